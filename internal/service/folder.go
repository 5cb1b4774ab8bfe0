// folder.go — операции с деревом папок.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/domain/tree"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

var folderOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fm_folder_operations_total",
	Help: "Количество операций с папками по типу",
}, []string{"op"})

// FolderCreate — параметры создания папки.
type FolderCreate struct {
	Name        string
	ParentID    *string  `validate:"omitempty,uuid"`
	Description string   `validate:"max=500"`
	Tags        []string `validate:"max=50,dive,max=100"`
	IsPublic    bool
}

// FolderUpdate — изменяемые поля папки. nil — поле не меняется.
type FolderUpdate struct {
	Description *string
	Tags        *[]string
	IsPublic    *bool
}

// FolderListing — прямое содержимое папки.
type FolderListing struct {
	// Breadcrumbs — цепочка от корневой папки до открытой, пусто для корня
	Breadcrumbs []*model.FolderRecord `json:"breadcrumbs"`
	Folders     []*model.FolderRecord `json:"folders"`
	Files       []*model.FileRecord   `json:"files"`
}

// TreeNode — узел снимка дерева с агрегатами по поддереву.
type TreeNode struct {
	Folder *model.FolderRecord `json:"folder"`
	Path   string              `json:"path"`
	Depth  int                 `json:"depth"`
	// FileCount — файлы непосредственно в папке
	FileCount      int         `json:"file_count"`
	TotalFileCount int         `json:"total_file_count"`
	TotalSize      int64       `json:"total_size"`
	Children       []*TreeNode `json:"children"`
}

// FolderService — операции с папками.
type FolderService struct {
	store   repository.Store
	checker *validation.Checker
	structs *validation.StructValidator
	files   *FileService
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewFolderService создаёт сервис папок. files используется
// рекурсивным удалением для файлов поддерева.
func NewFolderService(deps Deps, files *FileService, opts Options, logger *slog.Logger) *FolderService {
	structs := deps.Structs
	if structs == nil {
		structs = validation.NewStructValidator()
	}
	return &FolderService{
		store:   deps.Store,
		checker: deps.Checker,
		structs: structs,
		files:   files,
		opts:    opts,
		logger:  logger.With(slog.String("component", "folder_service")),
		now:     utcNow,
	}
}

// Get возвращает папку в любом состоянии.
func (s *FolderService) Get(ctx context.Context, id string) (*model.FolderRecord, error) {
	f, err := s.store.Folders().GetByID(ctx, id)
	if err != nil {
		return nil, mapFolderError(err, id, "")
	}
	return f, nil
}

// parentDepth возвращает глубину родителя (-1 для корня).
// Родитель должен быть активным и достижимым от корня.
func parentDepth(idx *tree.Index, parentID *string) (int, error) {
	if parentID == nil {
		return -1, nil
	}
	d, err := idx.Depth(*parentID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return 0, apperrors.New(apperrors.CodeNotFound,
				"родительская папка %s не найдена или удалена", *parentID)
		}
		return 0, err
	}
	return d, nil
}

// Create создаёт папку под parentID (nil = корень).
func (s *FolderService) Create(ctx context.Context, req FolderCreate) (*model.FolderRecord, error) {
	if err := validation.ValidateFolderName(req.Name); err != nil {
		return nil, err
	}
	if err := s.structs.Struct(req); err != nil {
		return nil, err
	}

	now := s.now()
	folder := &model.FolderRecord{
		ID:          newID(),
		Name:        req.Name,
		ParentID:    req.ParentID,
		Description: req.Description,
		Tags:        req.Tags,
		IsPublic:    req.IsPublic,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		if req.ParentID != nil {
			if _, err := lockActiveFolder(ctx, tx, *req.ParentID); err != nil {
				if apperrors.CodeOf(err) != apperrors.CodeNotFound {
					return err
				}
				return apperrors.New(apperrors.CodeNotFound,
					"родительская папка %s не найдена или удалена", *req.ParentID)
			}
		}
		idx, err := activeTree(ctx, tx, false)
		if err != nil {
			return err
		}
		depth, err := parentDepth(idx, req.ParentID)
		if err != nil {
			return err
		}
		if err := s.checker.ValidateFolderDepth(depth); err != nil {
			return err
		}
		if err := tx.Folders().Create(ctx, folder); err != nil {
			return mapFolderError(err, derefOr(req.ParentID, folder.ID), req.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	folderOpsTotal.WithLabelValues("create").Inc()
	s.logger.Info("Папка создана",
		slog.String("folder_id", folder.ID),
		slog.String("name", folder.Name),
	)
	return folder, nil
}

// mutateActive загружает активную папку, применяет fn и сохраняет.
func (s *FolderService) mutateActive(ctx context.Context, id string, fn func(tx repository.Store, f *model.FolderRecord) error) (*model.FolderRecord, error) {
	var result *model.FolderRecord
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := lockActiveFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, f); err != nil {
			return err
		}
		f.UpdatedAt = s.now()
		if err := tx.Folders().Update(ctx, f); err != nil {
			return mapFolderError(err, id, f.Name)
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rename переименовывает папку. Имя должно быть свободно среди соседей.
func (s *FolderService) Rename(ctx context.Context, id, name string) (*model.FolderRecord, error) {
	if err := validation.ValidateFolderName(name); err != nil {
		return nil, err
	}
	f, err := s.mutateActive(ctx, id, func(_ repository.Store, f *model.FolderRecord) error {
		f.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	folderOpsTotal.WithLabelValues("rename").Inc()
	return f, nil
}

// Update меняет описание, теги и флаг публичности папки.
func (s *FolderService) Update(ctx context.Context, id string, upd FolderUpdate) (*model.FolderRecord, error) {
	return s.mutateActive(ctx, id, func(_ repository.Store, f *model.FolderRecord) error {
		if upd.Description != nil {
			f.Description = *upd.Description
		}
		if upd.Tags != nil {
			f.Tags = append([]string(nil), (*upd.Tags)...)
		}
		if upd.IsPublic != nil {
			f.IsPublic = *upd.IsPublic
		}
		return s.structs.Struct(f)
	})
}

// Move переносит папку под parentID (nil = корень) вместе с поддеревом.
// Перенос в себя или в своего потомка отклоняется с CYCLE,
// выход поддерева за лимит глубины — с DEPTH_EXCEEDED.
func (s *FolderService) Move(ctx context.Context, id string, parentID *string) (*model.FolderRecord, error) {
	f, err := s.mutateActive(ctx, id, func(tx repository.Store, f *model.FolderRecord) error {
		if parentID != nil && *parentID == id {
			return apperrors.New(apperrors.CodeCycle, "папку нельзя переместить в саму себя")
		}
		idx, err := activeTree(ctx, tx, false)
		if err != nil {
			return err
		}
		moved, ok := idx.Folder(id)
		if !ok {
			return apperrors.New(apperrors.CodeNotFound,
				"папка %s недостижима от корня: один из предков удалён", id)
		}
		depth, err := parentDepth(idx, parentID)
		if err != nil {
			return err
		}
		if parentID != nil && idx.IsAncestorOf(id, *parentID) {
			return apperrors.New(apperrors.CodeCycle,
				"папку %s нельзя переместить в её же потомка %s", id, *parentID)
		}
		if parentID != nil {
			p := *parentID
			moved.ParentID = &p
		} else {
			moved.ParentID = nil
		}
		// Поддерево переезжает в снимке вместе с папкой, высота считается на новом месте
		if err := idx.Attach(moved); err != nil {
			return err
		}
		if err := s.checker.ValidateSubtreeDepth(depth, idx.Height(id)); err != nil {
			return err
		}
		f.ParentID = moved.ParentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	folderOpsTotal.WithLabelValues("move").Inc()
	s.logger.Info("Папка перемещена",
		slog.String("folder_id", id),
		slog.String("parent_id", derefOr(parentID, "")),
	)
	return f, nil
}

// Delete удаляет папку. Без recursive непустая папка не удаляется (NOT_EMPTY).
// С recursive поддерево обходится снизу вверх: файлы каждой папки
// удаляются по политике FM_RECURSIVE_FILE_DELETE, затем папка помечается
// удалённой. Обход останавливается на первой ошибке, уже обработанные
// элементы остаются удалёнными.
func (s *FolderService) Delete(ctx context.Context, id string, recursive bool) error {
	if _, err := activeFolder(ctx, s.store, id); err != nil {
		return err
	}
	idx, err := activeTree(ctx, s.store, true)
	if err != nil {
		return err
	}
	if _, ok := idx.Folder(id); !ok {
		return apperrors.New(apperrors.CodeNotFound,
			"папка %s недостижима от корня: один из предков удалён", id)
	}

	if !recursive {
		return s.softDeleteFolder(ctx, id)
	}

	s.logger.Debug("Рекурсивное удаление папки",
		slog.String("folder_id", id),
		slog.Int("descendants", len(idx.Descendants(id))),
	)

	var folders, files int
	for _, fid := range idx.PostOrder(id) {
		if err := ctx.Err(); err != nil {
			return err
		}
		folderID := fid
		for _, f := range idx.Files(&folderID) {
			if err := s.removeFile(ctx, f); err != nil {
				s.logger.Error("Рекурсивное удаление прервано",
					slog.String("folder_id", id),
					slog.String("file_id", f.ID),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("удаление файла %s в папке %s: %w", f.ID, folderID, err)
			}
			idx.DetachFile(f.ID)
			files++
		}
		// Дети уже отсоединены обходом снизу вверх
		if err := idx.Detach(folderID); err != nil {
			return fmt.Errorf("удаление папки %s: %w", folderID, err)
		}
		if err := s.softDeleteFolder(ctx, folderID); err != nil {
			return fmt.Errorf("удаление папки %s: %w", folderID, err)
		}
		folders++
	}

	s.logger.Info("Папка удалена рекурсивно",
		slog.String("folder_id", id),
		slog.Int("folders", folders),
		slog.Int("files", files),
		slog.String("file_policy", s.opts.RecursiveFileDelete),
	)
	return nil
}

// removeFile удаляет файл поддерева по настроенной политике.
func (s *FolderService) removeFile(ctx context.Context, f *model.FileRecord) error {
	if s.opts.RecursiveFileDelete == config.FileDeleteSoft {
		_, err := s.files.softDelete(ctx, f)
		return err
	}
	return s.files.hardDelete(ctx, f)
}

// softDeleteFolder помечает пустую папку удалённой. Пустота проверяется
// под блокировкой папки в той же транзакции, что и запись.
func (s *FolderService) softDeleteFolder(ctx context.Context, id string) error {
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := lockActiveFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		empty, err := folderIsEmpty(ctx, tx, id)
		if err != nil {
			return err
		}
		if !empty {
			return apperrors.New(apperrors.CodeNotEmpty,
				"папка %s не пуста: удалите содержимое или используйте рекурсивное удаление", id)
		}
		f.MarkDeleted(s.now())
		if err := tx.Folders().Update(ctx, f); err != nil {
			return mapFolderError(err, id, f.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	folderOpsTotal.WithLabelValues("delete").Inc()
	s.logger.Debug("Папка помечена удалённой", slog.String("folder_id", id))
	return nil
}

// Restore снимает пометку удаления с папки. Родитель должен быть
// активным, имя — свободным среди соседей. Содержимое папки
// восстанавливается отдельно.
func (s *FolderService) Restore(ctx context.Context, id string) (*model.FolderRecord, error) {
	var result *model.FolderRecord
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := tx.Folders().GetForUpdate(ctx, id)
		if err != nil {
			return mapFolderError(err, id, "")
		}
		if !f.IsDeleted {
			return apperrors.New(apperrors.CodeNotDeleted, "папка %s не удалена, восстанавливать нечего", id)
		}
		// Удалённого родителя ниже отклонит parentDepth
		if f.ParentID != nil {
			if _, err := lockActiveFolder(ctx, tx, *f.ParentID); err != nil && apperrors.CodeOf(err) != apperrors.CodeNotFound {
				return err
			}
		}

		idx, err := activeTree(ctx, tx, false)
		if err != nil {
			return err
		}
		depth, err := parentDepth(idx, f.ParentID)
		if err != nil {
			if apperrors.CodeOf(err) != apperrors.CodeNotFound {
				return err
			}
			return apperrors.Wrap(apperrors.CodeValidationFailed, err,
				"родительская папка %s удалена: сначала восстановите её", derefOr(f.ParentID, ""))
		}
		if err := s.checker.ValidateFolderDepth(depth); err != nil {
			return err
		}

		f.Restore(s.now())
		if err := tx.Folders().Update(ctx, f); err != nil {
			return mapFolderError(err, id, f.Name)
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	folderOpsTotal.WithLabelValues("restore").Inc()
	s.logger.Info("Папка восстановлена", slog.String("folder_id", id))
	return result, nil
}

// Children возвращает активные папки и файлы непосредственно
// в parentID (nil = корень).
func (s *FolderService) Children(ctx context.Context, parentID *string) (*FolderListing, error) {
	breadcrumbs := []*model.FolderRecord{}
	if parentID != nil {
		parent, err := activeFolder(ctx, s.store, *parentID)
		if err != nil {
			return nil, err
		}
		idx, err := activeTree(ctx, s.store, false)
		if err != nil {
			return nil, err
		}
		ancestors, err := idx.Ancestors(*parentID)
		if err != nil {
			return nil, err
		}
		for i := len(ancestors) - 1; i >= 0; i-- {
			breadcrumbs = append(breadcrumbs, ancestors[i])
		}
		breadcrumbs = append(breadcrumbs, parent)
	}

	folders, err := s.store.Folders().List(ctx, repository.FolderFilter{
		ParentID: parentID,
		RootOnly: parentID == nil,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка папок: %w", err)
	}
	active := false
	files, err := s.store.Files().List(ctx, repository.FileFilter{
		FolderID: parentID,
		RootOnly: parentID == nil,
		Deleted:  &active,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}

	if folders == nil {
		folders = []*model.FolderRecord{}
	}
	if files == nil {
		files = []*model.FileRecord{}
	}
	return &FolderListing{Breadcrumbs: breadcrumbs, Folders: folders, Files: files}, nil
}

// TreeSnapshot — активное дерево и лимит глубины, с которым его
// сравнивают клиенты.
type TreeSnapshot struct {
	Folders  []*TreeNode `json:"folders"`
	MaxDepth int         `json:"max_depth"`
}

// Tree возвращает снимок активного дерева: корневые узлы
// с вложенными детьми и агрегатами.
func (s *FolderService) Tree(ctx context.Context) (*TreeSnapshot, error) {
	idx, err := activeTree(ctx, s.store, true)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*TreeNode, idx.Len())
	for _, f := range idx.Folders() {
		id := f.ID
		path, err := idx.FullPath(id)
		if err != nil {
			return nil, err
		}
		depth, err := idx.Depth(id)
		if err != nil {
			return nil, err
		}
		nodes[id] = &TreeNode{
			Folder:         f,
			Path:           path,
			Depth:          depth,
			FileCount:      len(idx.Files(&id)),
			TotalFileCount: idx.TotalFileCount(id),
			TotalSize:      idx.TotalSize(id),
			Children:       []*TreeNode{},
		}
	}
	for id, node := range nodes {
		folderID := id
		for _, c := range idx.Children(&folderID) {
			node.Children = append(node.Children, nodes[c.ID])
		}
	}

	roots := idx.Children(nil)
	result := make([]*TreeNode, 0, len(roots))
	for _, r := range roots {
		result = append(result, nodes[r.ID])
	}
	return &TreeSnapshot{Folders: result, MaxDepth: s.checker.MaxDepth()}, nil
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
