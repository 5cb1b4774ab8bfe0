package model

import "time"

// FolderRecord — узел дерева папок.
// Глубина не хранится, а вычисляется обходом ParentID (см. пакет tree).
type FolderRecord struct {
	ID string `json:"id"`

	// Name — имя папки, уникально среди активных соседей
	Name string `json:"name" validate:"required,max=255"`

	// ParentID — родительская папка, nil = корневая
	ParentID *string `json:"parent_id,omitempty"`

	Description string   `json:"description,omitempty" validate:"max=500"`
	Tags        []string `json:"tags,omitempty" validate:"dive,max=100"`
	IsPublic    bool     `json:"is_public"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot возвращает true для папки без родителя.
func (f *FolderRecord) IsRoot() bool {
	return f.ParentID == nil
}

func (f *FolderRecord) IsActive() bool {
	return !f.IsDeleted
}

// MarkDeleted выполняет мягкое удаление папки.
func (f *FolderRecord) MarkDeleted(now time.Time) {
	t := now.UTC()
	f.IsDeleted = true
	f.DeletedAt = &t
	f.UpdatedAt = t
}

// Restore снимает пометку удаления.
func (f *FolderRecord) Restore(now time.Time) {
	f.IsDeleted = false
	f.DeletedAt = nil
	f.UpdatedAt = now.UTC()
}

// HasParent сообщает, является ли parentID (nil = корень) родителем папки.
func (f *FolderRecord) HasParent(parentID *string) bool {
	if f.ParentID == nil || parentID == nil {
		return f.ParentID == nil && parentID == nil
	}
	return *f.ParentID == *parentID
}

// Clone возвращает глубокую копию записи.
func (f *FolderRecord) Clone() *FolderRecord {
	if f == nil {
		return nil
	}
	cp := *f
	if f.ParentID != nil {
		id := *f.ParentID
		cp.ParentID = &id
	}
	if f.DeletedAt != nil {
		t := *f.DeletedAt
		cp.DeletedAt = &t
	}
	if f.Tags != nil {
		cp.Tags = append([]string(nil), f.Tags...)
	}
	return &cp
}
