// Пакет model — доменные модели cartlink: устройство, носители,
// элементы каталога.
package model

import (
	"fmt"
	"strings"
)

// StorageType — носитель картриджа.
type StorageType string

const (
	// StorageUSB — USB-накопитель
	StorageUSB StorageType = "USB"
	// StorageSD — SD-карта
	StorageSD StorageType = "SD"
)

// Token возвращает однобайтовый код носителя в протоколе (0 = USB, 1 = SD).
func (t StorageType) Token() byte {
	if t == StorageSD {
		return 1
	}
	return 0
}

// ParseStorageType преобразует строку (регистр не важен) в StorageType.
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SD":
		return StorageSD, nil
	case "USB":
		return StorageUSB, nil
	default:
		return "", fmt.Errorf("недопустимый носитель %q, допустимые: SD, USB", s)
	}
}

// StorageUnit — состояние носителя на устройстве.
type StorageUnit struct {
	Type      StorageType `json:"type"`
	Available bool        `json:"available"`
}

// Device — снимок идентичности и возможностей картриджа.
type Device struct {
	// DeviceID — стабильный 8-символьный идентификатор [A-Za-z0-9]
	DeviceID string `json:"device_id"`
	// PortName — системное имя порта
	PortName string `json:"port_name"`
	// Name — отображаемое имя
	Name string `json:"name"`
	// Version — версия прошивки
	Version string `json:"version"`
	// IsCompatible — результат рукопожатия
	IsCompatible bool `json:"is_compatible"`
	// MinimalMode — прошивка запущена в урезанном режиме
	MinimalMode bool `json:"minimal_mode"`
	// State — состояние соединения на момент снимка
	State string `json:"state,omitempty"`

	SD  StorageUnit `json:"sd"`
	USB StorageUnit `json:"usb"`
}

// Unit возвращает носитель по типу.
func (d *Device) Unit(t StorageType) StorageUnit {
	if t == StorageSD {
		return d.SD
	}
	return d.USB
}

// SetAvailable обновляет доступность носителя.
func (d *Device) SetAvailable(t StorageType, available bool) {
	if t == StorageSD {
		d.SD.Available = available
		return
	}
	d.USB.Available = available
}
