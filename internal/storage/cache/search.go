package cache

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bigkaa/cartlink/internal/domain/model"
)

// queryTerm разбирает запрос на слова и фразы в кавычках; "+" перед
// словом или фразой делает его обязательным.
var queryTerm = regexp.MustCompile(`(\+?"([^"]+)")|\+?\S+`)

type term struct {
	text     string
	required bool
}

// parseQuery возвращает термины запроса в нижнем регистре. Стоп-слова
// вне кавычек отбрасываются.
func parseQuery(query string, stopWords []string) []term {
	stop := make(map[string]bool, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = true
	}

	var terms []term
	for _, m := range queryTerm.FindAllStringSubmatch(query, -1) {
		raw := m[0]
		t := term{required: strings.HasPrefix(raw, "+")}
		if m[2] != "" {
			t.text = strings.ToLower(strings.TrimSpace(m[2]))
		} else {
			t.text = strings.ToLower(strings.TrimPrefix(raw, "+"))
			if stop[t.text] {
				continue
			}
		}
		if t.text == "" {
			continue
		}
		terms = append(terms, t)
	}
	return terms
}

type scored struct {
	file  model.FileEntry
	score int
}

// Search ищет файлы по имени и пути среди проиндексированных каталогов.
// Совпадение в имени весит SearchWeights.FileName, в пути —
// SearchWeights.FilePath. Файл без совпадений с обязательным термином
// не попадает в выдачу. Результаты упорядочены по убыванию веса, затем
// по имени. limit <= 0 снимает ограничение.
func (c *Cache) Search(query string, limit int) []model.FileEntry {
	key := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if key == "" {
		return nil
	}

	results, ok := c.searches.Get(key)
	if ok {
		searchCacheHitsTotal.Inc()
	} else {
		var version uint64
		results, version = c.search(parseQuery(key, c.settings.StopSearchWords))
		c.storeSearch(key, results, version)
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return append([]model.FileEntry(nil), results...)
}

// storeSearch кладёт результат в кэш поиска, только если индекс не
// менялся с момента его вычисления: иначе сброс в touchLocked уже
// прошёл и устаревший результат пережил бы его.
func (c *Cache) storeSearch(key string, results []model.FileEntry, version uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.version == version {
		c.searches.Add(key, results)
	}
}

// search возвращает совпадения и version индекса, по которому они найдены.
func (c *Cache) search(terms []term) ([]model.FileEntry, uint64) {
	w := c.settings.SearchWeights

	c.mu.RLock()
	version := c.version
	if len(terms) == 0 {
		c.mu.RUnlock()
		return nil, version
	}
	var hits []scored
	for _, n := range c.nodes {
		for _, f := range n.Files {
			name := strings.ToLower(f.Name)
			path := strings.ToLower(f.Path)

			score := 0
			missing := false
			for _, t := range terms {
				matched := false
				if strings.Contains(name, t.text) {
					score += w.FileName
					matched = true
				}
				if strings.Contains(path, t.text) {
					score += w.FilePath
					matched = true
				}
				if t.required && !matched {
					missing = true
					break
				}
			}
			if !missing && score > 0 {
				hits = append(hits, scored{file: f, score: score})
			}
		}
	}
	c.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].file.Name != hits[j].file.Name {
			return hits[i].file.Name < hits[j].file.Name
		}
		return hits[i].file.Path < hits[j].file.Path
	})

	files := make([]model.FileEntry, len(hits))
	for i, h := range hits {
		files[i] = h.file
	}
	return files, version
}

// Scope — область выбора случайного файла.
type Scope string

const (
	// ScopeDirDeep — каталог и все вложенные.
	ScopeDirDeep Scope = "dir_deep"
	// ScopeDirShallow — только файлы самого каталога.
	ScopeDirShallow Scope = "dir_shallow"
	// ScopeStorage — весь носитель.
	ScopeStorage Scope = "storage"
)

// ParseScope преобразует строку в Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case ScopeDirDeep:
		return ScopeDirDeep, nil
	case ScopeDirShallow:
		return ScopeDirShallow, nil
	case ScopeStorage, "":
		return ScopeStorage, nil
	}
	return "", fmt.Errorf("неизвестная область выбора: %q", s)
}

// RandomFile выбирает случайный файл среди проиндексированных.
func (c *Cache) RandomFile(scope Scope, scopePath string) (*model.FileEntry, error) {
	scopePath = model.CleanPath(scopePath)

	c.mu.RLock()
	var candidates []model.FileEntry
	for p, n := range c.nodes {
		switch scope {
		case ScopeDirShallow:
			if p != scopePath {
				continue
			}
		case ScopeDirDeep:
			if !model.IsWithin(p, scopePath) {
				continue
			}
		}
		candidates = append(candidates, n.Files...)
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("нет файлов в %s (%s): %w", scopePath, scope, ErrNotFound)
	}
	// Порядок обхода map случаен; сортировка делает выбор зависящим только от intN.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	picked := candidates[c.intN(len(candidates))]
	return &picked, nil
}
