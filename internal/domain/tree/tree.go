// Пакет tree — потокобезопасный in-memory индекс дерева папок.
//
// Индекс строится из снимка записей (Build) и хранит связи через
// идентификаторы: parent_id → дети, folder_id → файлы. Обе стороны
// каждой связи обновляются вместе (Attach/Detach, AttachFile/DetachFile).
//
// Все обходы итеративные. Подъём по цепочке родителей ограничен
// количеством узлов, поэтому повреждённый снимок с циклом завершается
// ошибкой CYCLE, а не зацикливанием.
package tree

import (
	"sort"
	"strings"
	"sync"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

// rootKey — ключ корня в картах связей.
const rootKey = ""

// Index — индекс дерева папок и файлов в них.
type Index struct {
	mu sync.RWMutex

	folders  map[string]*model.FolderRecord // folder_id → папка
	children map[string][]string            // parent_id ("" = корень) → дочерние папки
	files    map[string]*model.FileRecord   // file_id → файл
	contents map[string][]string            // folder_id ("" = корень) → файлы
}

// New создаёт пустой индекс.
func New() *Index {
	return &Index{
		folders:  make(map[string]*model.FolderRecord),
		children: make(map[string][]string),
		files:    make(map[string]*model.FileRecord),
		contents: make(map[string][]string),
	}
}

// Build строит индекс из снимка папок и файлов.
// Порядок записей в снимке не важен. Родитель каждой папки и папка
// каждого файла должны присутствовать в снимке.
func Build(folders []*model.FolderRecord, files []*model.FileRecord) (*Index, error) {
	idx := New()

	for _, f := range folders {
		idx.folders[f.ID] = f.Clone()
	}
	for _, f := range folders {
		pk := key(f.ParentID)
		if pk != rootKey {
			if _, ok := idx.folders[pk]; !ok {
				return nil, apperrors.New(apperrors.CodeNotFound,
					"родительская папка %s для %s отсутствует в снимке", pk, f.ID)
			}
		}
		idx.children[pk] = append(idx.children[pk], f.ID)
	}

	if err := idx.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, f := range files {
		if err := idx.AttachFile(f); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// checkAcyclic проверяет, что из каждой папки цепочка родителей доходит
// до корня. Уже проверенные узлы запоминаются, поэтому проверка линейна.
func (idx *Index) checkAcyclic() error {
	reachesRoot := make(map[string]bool, len(idx.folders))
	for id := range idx.folders {
		var path []string
		cur := id
		for !reachesRoot[cur] {
			if len(path) > len(idx.folders) {
				return apperrors.New(apperrors.CodeCycle, "цикл в цепочке родителей папки %s", id)
			}
			path = append(path, cur)
			parent := idx.folders[cur].ParentID
			if parent == nil {
				break
			}
			cur = *parent
		}
		for _, p := range path {
			reachesRoot[p] = true
		}
	}
	return nil
}

// key переводит ссылку на папку в ключ карты связей.
func key(id *string) string {
	if id == nil {
		return rootKey
	}
	return *id
}

// Len возвращает количество папок в индексе.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.folders)
}

// Folder возвращает копию папки по ID.
func (idx *Index) Folder(id string) (*model.FolderRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f, ok := idx.folders[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Folders возвращает копии всех папок индекса.
func (idx *Index) Folders() []*model.FolderRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]*model.FolderRecord, 0, len(idx.folders))
	for _, f := range idx.folders {
		result = append(result, f.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Attach добавляет папку в индекс или перемещает уже существующую
// под нового родителя. Обе стороны связи parent ↔ children обновляются.
func (idx *Index) Attach(f *model.FolderRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pk := key(f.ParentID)
	if pk != rootKey {
		if _, ok := idx.folders[pk]; !ok {
			return apperrors.New(apperrors.CodeNotFound, "родительская папка %s не найдена", pk)
		}
		if pk == f.ID || idx.isAncestorLocked(f.ID, pk) {
			return apperrors.New(apperrors.CodeCycle,
				"папка %s не может стать потомком самой себя", f.ID)
		}
	}

	if old, ok := idx.folders[f.ID]; ok {
		idx.children[key(old.ParentID)] = without(idx.children[key(old.ParentID)], f.ID)
	}

	idx.folders[f.ID] = f.Clone()
	idx.children[pk] = append(idx.children[pk], f.ID)
	return nil
}

// Detach удаляет папку из индекса. Папка должна быть пустой:
// поддерево отсоединяется снизу вверх (см. PostOrder).
func (idx *Index) Detach(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, ok := idx.folders[id]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "папка %s не найдена", id)
	}
	if len(idx.children[id]) > 0 || len(idx.contents[id]) > 0 {
		return apperrors.New(apperrors.CodeNotEmpty, "папка %s содержит вложенные элементы", id)
	}

	pk := key(f.ParentID)
	idx.children[pk] = without(idx.children[pk], id)
	delete(idx.children, id)
	delete(idx.contents, id)
	delete(idx.folders, id)
	return nil
}

// AttachFile добавляет файл в папку или перемещает его.
// Обе стороны связи folder ↔ files обновляются.
func (idx *Index) AttachFile(f *model.FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fk := key(f.FolderID)
	if fk != rootKey {
		if _, ok := idx.folders[fk]; !ok {
			return apperrors.New(apperrors.CodeNotFound, "папка %s для файла %s не найдена", fk, f.ID)
		}
	}

	if old, ok := idx.files[f.ID]; ok {
		idx.contents[key(old.FolderID)] = without(idx.contents[key(old.FolderID)], f.ID)
	}

	idx.files[f.ID] = f.Clone()
	idx.contents[fk] = append(idx.contents[fk], f.ID)
	return nil
}

// DetachFile удаляет файл из индекса. Возвращает true, если файл был найден.
func (idx *Index) DetachFile(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, ok := idx.files[id]
	if !ok {
		return false
	}
	fk := key(f.FolderID)
	idx.contents[fk] = without(idx.contents[fk], id)
	delete(idx.files, id)
	return true
}

// Children возвращает прямые дочерние папки (parentID nil = корень),
// отсортированные по имени.
func (idx *Index) Children(parentID *string) []*model.FolderRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.children[key(parentID)]
	result := make([]*model.FolderRecord, 0, len(ids))
	for _, id := range ids {
		result = append(result, idx.folders[id].Clone())
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Files возвращает файлы, лежащие непосредственно в папке (nil = корень).
func (idx *Index) Files(folderID *string) []*model.FileRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.contents[key(folderID)]
	result := make([]*model.FileRecord, 0, len(ids))
	for _, id := range ids {
		result = append(result, idx.files[id].Clone())
	}
	return result
}

// chain возвращает цепочку от папки id до корня (сама папка первой).
// Длина цепочки ограничена числом узлов.
func (idx *Index) chain(id string) ([]*model.FolderRecord, error) {
	cur, ok := idx.folders[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "папка %s не найдена", id)
	}

	var result []*model.FolderRecord
	for steps := 0; ; steps++ {
		if steps > len(idx.folders) {
			return nil, apperrors.New(apperrors.CodeCycle, "цикл в цепочке родителей папки %s", id)
		}
		result = append(result, cur)
		if cur.ParentID == nil {
			return result, nil
		}
		next, ok := idx.folders[*cur.ParentID]
		if !ok {
			return nil, apperrors.New(apperrors.CodeNotFound,
				"родительская папка %s не найдена", *cur.ParentID)
		}
		cur = next
	}
}

// FullPath возвращает путь из имён от корня до папки через "/".
// Для корневой папки — её собственное имя.
func (idx *Index) FullPath(id string) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	chain, err := idx.chain(id)
	if err != nil {
		return "", err
	}

	names := make([]string, len(chain))
	for i, f := range chain {
		names[len(chain)-1-i] = f.Name
	}
	return strings.Join(names, "/"), nil
}

// Depth возвращает расстояние от корня: 0 для корневой папки.
func (idx *Index) Depth(id string) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	chain, err := idx.chain(id)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

// Ancestors возвращает предков папки, начиная с ближайшего.
func (idx *Index) Ancestors(id string) ([]*model.FolderRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	chain, err := idx.chain(id)
	if err != nil {
		return nil, err
	}
	result := make([]*model.FolderRecord, 0, len(chain)-1)
	for _, f := range chain[1:] {
		result = append(result, f.Clone())
	}
	return result, nil
}

// IsAncestorOf возвращает true, если цепочка родителей b доходит до a.
func (idx *Index) IsAncestorOf(a, b string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.isAncestorLocked(a, b)
}

func (idx *Index) isAncestorLocked(a, b string) bool {
	chain, err := idx.chain(b)
	if err != nil {
		return false
	}
	for _, f := range chain[1:] {
		if f.ID == a {
			return true
		}
	}
	return false
}

// Descendants возвращает ID всех потомков папки в порядке обхода в ширину.
func (idx *Index) Descendants(id string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var result []string
	queue := append([]string(nil), idx.children[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)
		queue = append(queue, idx.children[cur]...)
	}
	return result
}

// PostOrder возвращает поддерево папки так, что дети идут раньше
// родителя; сама папка — последней.
func (idx *Index) PostOrder(id string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if _, ok := idx.folders[id]; !ok {
		return nil
	}

	// Обратный порядок pre-order обхода (корень, потом дети справа налево)
	// даёт post-order.
	var pre []string
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pre = append(pre, cur)
		stack = append(stack, idx.children[cur]...)
	}

	result := make([]string, len(pre))
	for i, v := range pre {
		result[len(pre)-1-i] = v
	}
	return result
}

// Height возвращает высоту поддерева: 0 для папки без детей.
func (idx *Index) Height(id string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type item struct {
		id    string
		level int
	}
	height := 0
	stack := []item{{id: id}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.level > height {
			height = cur.level
		}
		for _, c := range idx.children[cur.id] {
			stack = append(stack, item{id: c, level: cur.level + 1})
		}
	}
	return height
}

// TotalFileCount — количество файлов в папке и во всех её потомках.
func (idx *Index) TotalFileCount(id string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := 0
	idx.walkSubtree(id, func(folderID string) {
		total += len(idx.contents[folderID])
	})
	return total
}

// TotalSize — суммарный размер файлов в папке и во всех её потомках.
func (idx *Index) TotalSize(id string) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total int64
	idx.walkSubtree(id, func(folderID string) {
		for _, fid := range idx.contents[folderID] {
			total += idx.files[fid].Size
		}
	})
	return total
}

// IsEmpty — в папке нет ни файлов, ни дочерних папок (только прямые связи).
func (idx *Index) IsEmpty(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.children[id]) == 0 && len(idx.contents[id]) == 0
}

// walkSubtree вызывает fn для папки и всех её потомков. Вызывать под мьютексом.
func (idx *Index) walkSubtree(id string, fn func(folderID string)) {
	if _, ok := idx.folders[id]; !ok {
		return
	}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		stack = append(stack, idx.children[cur]...)
	}
}

// without возвращает срез без значения v.
func without(ids []string, v string) []string {
	for i, id := range ids {
		if id == v {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
