package model

import (
	"path"
	"strings"
)

// DirectoryEntry — подкаталог в листинге.
type DirectoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// FileEntry — файл в листинге.
type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ItemKind — тип элемента плоского списка.
type ItemKind string

const (
	KindDirectory ItemKind = "dir"
	KindFile      ItemKind = "file"
)

// StorageItem — элемент плоского списка каталога (сначала каталоги, затем файлы).
type StorageItem struct {
	Kind ItemKind `json:"kind"`
	Name string   `json:"name"`
	Path string   `json:"path"`
	Size int64    `json:"size,omitempty"`
}

// CleanPath приводит путь к unix-виду: ведущий "/", без повторных
// и завершающих разделителей. Пустой путь — корень.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ParentPath возвращает каталог, содержащий p.
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}

// BaseName возвращает последний сегмент пути.
func BaseName(p string) string {
	return path.Base(CleanPath(p))
}

// JoinPath соединяет каталог и имя.
func JoinPath(dir, name string) string {
	return CleanPath(path.Join(dir, name))
}

// IsWithin сообщает, лежит ли p внутри root (или совпадает с ним).
func IsWithin(p, root string) bool {
	p, root = CleanPath(p), CleanPath(root)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
