package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoDependencies(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer("fm-test-01", "file-manager",
		DephealthTargets{}, time.Second, testLogger(), prometheus.NewRegistry())
	if !errors.Is(err, ErrNoDependencies) {
		t.Fatalf("Ожидалась ErrNoDependencies, получено %v", err)
	}
}

func TestDephealthService_S3(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"здоровое хранилище", http.StatusOK, true},
		{"хранилище отвечает 503", http.StatusServiceUnavailable, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer mockServer.Close()

			ds, err := NewDephealthServiceWithRegisterer(
				"fm-test-s3-"+string(rune('a'+i)),
				"file-manager",
				DephealthTargets{S3Endpoint: mockServer.URL},
				time.Second,
				testLogger(),
				prometheus.NewRegistry(),
			)
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Интервал 1s + запас на первую проверку
			time.Sleep(3 * time.Second)

			found := false
			for key, val := range ds.Health() {
				if strings.HasPrefix(key, "s3-storage") {
					found = true
					if val != tt.want {
						t.Errorf("s3-storage health = %v для ключа %q, ожидалось %v", val, key, tt.want)
					}
				}
			}
			if !found {
				t.Errorf("Нет записи для s3-storage в Health(): %v", ds.Health())
			}
		})
	}
}
