package cache

import (
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
)

// Node — содержимое одного каталога: прямые потомки в порядке,
// заданном устройством. Узел создаётся и заменяется целиком.
type Node struct {
	Path        string                 `json:"path"`
	Directories []model.DirectoryEntry `json:"directories"`
	Files       []model.FileEntry      `json:"files"`
}

// ToList разворачивает узел в один список: каталоги, затем файлы,
// каждая группа в исходном порядке.
func (n *Node) ToList() []model.StorageItem {
	items := make([]model.StorageItem, 0, len(n.Directories)+len(n.Files))
	for _, d := range n.Directories {
		items = append(items, model.StorageItem{Kind: model.KindDirectory, Name: d.Name, Path: d.Path})
	}
	for _, f := range n.Files {
		items = append(items, model.StorageItem{Kind: model.KindFile, Name: f.Name, Path: f.Path, Size: f.Size})
	}
	return items
}

// clone возвращает независимую копию узла.
func (n *Node) clone() *Node {
	return &Node{
		Path:        n.Path,
		Directories: append([]model.DirectoryEntry{}, n.Directories...),
		Files:       append([]model.FileEntry{}, n.Files...),
	}
}

// nodeFromListing строит узел из ответа устройства.
func nodeFromListing(dc *protocol.DirectoryContent) *Node {
	return &Node{
		Path:        model.CleanPath(dc.Path),
		Directories: append([]model.DirectoryEntry{}, dc.Directories...),
		Files:       append([]model.FileEntry{}, dc.Files...),
	}
}
