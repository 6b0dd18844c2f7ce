package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigkaa/cartlink/internal/transport"
)

var (
	// ErrBusy — устройство ответило «busy»; повторить позже.
	ErrBusy = errors.New("устройство занято")
	// ErrUnresponsive — команда не прошла после всех попыток.
	ErrUnresponsive = errors.New("устройство не отвечает")
	// ErrFileExists — файл с таким путём уже есть на носителе.
	ErrFileExists = errors.New("файл уже существует")
	// ErrResetTimeout — после сброса баннер загрузки не появился.
	ErrResetTimeout = errors.New("reset: устройство не сообщило о загрузке за 10 секунд")
)

// ProtocolError — неожиданный ответ устройства. Raw хранит прочитанные
// байты (и текст, если он был) для диагностики.
type ProtocolError struct {
	Op  string
	Raw []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: неожиданный ответ устройства % X (%q)", e.Op, e.Raw, printable(e.Raw))
}

// Is позволяет errors.Is(err, ErrBusy) для ответов, содержащих «busy».
func (e *ProtocolError) Is(target error) bool {
	return target == ErrBusy && strings.Contains(strings.ToLower(string(e.Raw)), "busy")
}

// UnresponsiveError — итог исчерпанных попыток. Исходная ошибка доступна
// в Last для логов, но цепочка errors.Is ведёт только к ErrUnresponsive.
type UnresponsiveError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("%s: устройство не отвечает после %d попыток: %v", e.Op, e.Attempts, e.Last)
}

func (e *UnresponsiveError) Unwrap() error { return ErrUnresponsive }

// DirectoryErrorCode — код ошибки листинга каталога.
type DirectoryErrorCode int

const (
	StorageParamError DirectoryErrorCode = iota + 1
	SkipParamError
	TakeParamError
	PathParamError
	DirectoryNotFound
	NotADirectory
	UnknownError
)

var directoryErrorNames = map[DirectoryErrorCode]string{
	StorageParamError: "storage_param_error",
	SkipParamError:    "skip_param_error",
	TakeParamError:    "take_param_error",
	PathParamError:    "path_param_error",
	DirectoryNotFound: "directory_not_found",
	NotADirectory:     "not_a_directory",
	UnknownError:      "unknown_error",
}

func (c DirectoryErrorCode) String() string { return directoryErrorNames[c] }

// ParseDirectoryError сопоставляет текст прошивки с кодом по подстроке
// "Error N". Текст прошивки содержит прозу вокруг кода, поэтому
// сравнение только по вхождению.
func ParseDirectoryError(text string) DirectoryErrorCode {
	for code := StorageParamError; code <= NotADirectory; code++ {
		if strings.Contains(text, fmt.Sprintf("Error %d", int(code))) {
			return code
		}
	}
	return UnknownError
}

// DirectoryError — ошибка листинга с кодом и исходным текстом.
type DirectoryError struct {
	Code    DirectoryErrorCode
	Message string
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("листинг каталога: %s: %s", e.Code, strings.TrimSpace(e.Message))
}

// FileErrorCode — код ошибки получения файла.
type FileErrorCode int

const (
	FileStorageParamError FileErrorCode = iota + 1
	FilePathParamError
	FileStorageUnavailable
	FileNotFound
	FileOpenError
	FileUnknownError
)

var fileErrorNames = map[FileErrorCode]string{
	FileStorageParamError:  "storage_param_error",
	FilePathParamError:     "path_param_error",
	FileStorageUnavailable: "storage_unavailable",
	FileNotFound:           "file_not_found",
	FileOpenError:          "file_open_error",
	FileUnknownError:       "unknown_error",
}

func (c FileErrorCode) String() string { return fileErrorNames[c] }

// ParseFileError сопоставляет текст прошивки с кодом ошибки файла.
func ParseFileError(text string) FileErrorCode {
	for code := FileStorageParamError; code <= FileOpenError; code++ {
		if strings.Contains(text, fmt.Sprintf("Error %d", int(code))) {
			return code
		}
	}
	return FileUnknownError
}

// FileError — ошибка получения файла.
type FileError struct {
	Code    FileErrorCode
	Message string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("получение файла: %s: %s", e.Code, strings.TrimSpace(e.Message))
}

// Outcome — итог команды для вызывающих, которым нужна ветка, а не текст.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBusy
	OutcomeConnectionLost
	OutcomeProtocolFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBusy:
		return "busy"
	case OutcomeConnectionLost:
		return "connection_lost"
	default:
		return "protocol_failure"
	}
}

// Classify сводит ошибку команды к Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case transport.IsDisconnect(err), errors.Is(err, transport.ErrTimeout):
		return OutcomeConnectionLost
	case errors.Is(err, ErrBusy), errors.Is(err, ErrUnresponsive):
		return OutcomeBusy
	default:
		return OutcomeProtocolFailure
	}
}

// printable оставляет в сырых байтах только печатные ASCII-символы.
func printable(raw []byte) string {
	var sb strings.Builder
	for _, b := range raw {
		if b >= 0x20 && b < 0x7f {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}
