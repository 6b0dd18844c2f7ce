package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/cartlink/internal/domain/model"
)

// TargetPaths — каталоги назначения по типу содержимого.
type TargetPaths struct {
	Games  string `yaml:"games"`
	Music  string `yaml:"music"`
	Images string `yaml:"images"`
	Upload string `yaml:"upload"`
}

// SearchWeights — вес совпадения термина в имени файла и в пути.
type SearchWeights struct {
	FileName int `yaml:"file_name"`
	FilePath int `yaml:"file_path"`
}

// StorageSettings — настройки хранилища, разрешаемые один раз при старте
// и передаваемые компонентам явно.
type StorageSettings struct {
	TargetStorage     model.StorageType `yaml:"target_storage"`
	TargetPaths       TargetPaths       `yaml:"target_paths"`
	BannedDirectories []string          `yaml:"banned_directories"`
	BannedFiles       []string          `yaml:"banned_files"`
	StopSearchWords   []string          `yaml:"stop_search_words"`
	SearchWeights     SearchWeights     `yaml:"search_weights"`
}

// DefaultStorageSettings возвращает настройки по умолчанию.
func DefaultStorageSettings() StorageSettings {
	return StorageSettings{
		TargetStorage: model.StorageSD,
		TargetPaths: TargetPaths{
			Games:  "/games",
			Music:  "/music",
			Images: "/images",
			Upload: "/auto-transfer",
		},
		BannedDirectories: []string{
			"System Volume Information", "FOUND.000",
			"integration-test-files", "integration-tests",
			"AlternativeFormats", "Dumps", "Docs",
		},
		BannedFiles: []string{},
		StopSearchWords: []string{
			"a", "an", "and", "are", "as", "at", "be", "but", "by", "for",
			"if", "in", "is", "it", "no", "not", "of", "on", "or", "that",
			"the", "to", "was", "with",
		},
		SearchWeights: SearchWeights{FileName: 3, FilePath: 1},
	}
}

// LoadStorageSettings читает YAML-файл поверх значений по умолчанию.
// Пустой path или отсутствующий файл дают настройки по умолчанию.
func LoadStorageSettings(path string) (StorageSettings, error) {
	settings := DefaultStorageSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("чтение настроек хранилища %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("разбор настроек хранилища %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("настройки хранилища %s: %w", path, err)
	}
	return settings, nil
}

// Validate проверяет согласованность настроек.
func (s *StorageSettings) Validate() error {
	target, err := model.ParseStorageType(string(s.TargetStorage))
	if err != nil {
		return fmt.Errorf("target_storage: %w", err)
	}
	s.TargetStorage = target

	if s.SearchWeights.FileName < 0 || s.SearchWeights.FilePath < 0 {
		return fmt.Errorf("search_weights: веса не могут быть отрицательными")
	}
	for i, w := range s.StopSearchWords {
		s.StopSearchWords[i] = strings.ToLower(strings.TrimSpace(w))
	}
	return nil
}
