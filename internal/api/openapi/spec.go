// Пакет openapi — контракт служебного API: встроенный openapi.yaml
// и обвязка chi, которая привязывает query-параметры по этому контракту.
package openapi

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// SpecYAML возвращает исходный текст контракта.
func SpecYAML() []byte {
	return specYAML
}

// GetSwagger разбирает встроенный контракт.
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора openapi.yaml: %w", err)
	}
	return doc, nil
}
