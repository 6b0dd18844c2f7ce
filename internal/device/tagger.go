package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

// TagPath — файл с идентификатором устройства в корне носителя.
const TagPath = "/cart-tag.txt"

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// cartTag — содержимое TagPath.
type cartTag struct {
	DeviceID string `json:"DeviceId"`
}

// NewDeviceID генерирует 8-символьный идентификатор [A-Za-z0-9] из случайного UUID.
func NewDeviceID() string {
	u := uuid.New()
	id := make([]byte, 8)
	for i := range id {
		id[i] = idAlphabet[int(u[i])%len(idAlphabet)]
	}
	return string(id)
}

// ValidDeviceID проверяет формат идентификатора.
func ValidDeviceID(id string) bool {
	return idPattern.MatchString(id)
}

// Identity — результат опроса носителей.
type Identity struct {
	DeviceID string
	SD       model.StorageUnit
	USB      model.StorageUnit
	// Persisted — идентификатор записан на носитель
	Persisted bool
}

// Tagger восстанавливает или назначает идентификатор устройства.
type Tagger struct {
	client *protocol.Client
	logger *slog.Logger
}

// NewTagger создаёт Tagger.
func NewTagger(client *protocol.Client, logger *slog.Logger) *Tagger {
	return &Tagger{
		client: client,
		logger: logger.With(slog.String("component", "tagger")),
	}
}

// Identify читает TagPath сначала с SD, затем с USB. Ответ «Error 3»
// помечает носитель недоступным. Если метки нет, создаётся новый
// идентификатор и записывается на первый доступный носитель.
// Ошибки связи возвращаются как есть.
func (t *Tagger) Identify(ctx context.Context, p transport.Port) (*Identity, error) {
	id := &Identity{
		SD:  model.StorageUnit{Type: model.StorageSD},
		USB: model.StorageUnit{Type: model.StorageUSB},
	}

	for _, unit := range []*model.StorageUnit{&id.SD, &id.USB} {
		tag, available, err := t.readTag(ctx, p, unit.Type)
		if err != nil {
			return nil, err
		}
		unit.Available = available
		if id.DeviceID == "" && tag != "" {
			id.DeviceID = tag
			id.Persisted = true
		}
	}

	if id.DeviceID != "" {
		return id, nil
	}

	id.DeviceID = NewDeviceID()
	for _, unit := range []model.StorageUnit{id.SD, id.USB} {
		if !unit.Available {
			continue
		}
		if err := t.writeTag(ctx, p, unit.Type, id.DeviceID); err != nil {
			if transport.IsDisconnect(err) {
				return nil, err
			}
			t.logger.Warn("Не удалось записать метку устройства",
				slog.String("unit", string(unit.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		id.Persisted = true
		t.logger.Info("Устройству назначен идентификатор",
			slog.String("device_id", id.DeviceID),
			slog.String("unit", string(unit.Type)),
		)
		break
	}
	return id, nil
}

// readTag возвращает идентификатор с носителя и доступность носителя.
func (t *Tagger) readTag(ctx context.Context, p transport.Port, unit model.StorageType) (string, bool, error) {
	res, err := t.client.GetFile(ctx, p, unit.Token(), TagPath)
	if err != nil {
		var fe *protocol.FileError
		if errors.As(err, &fe) {
			return "", fe.Code != protocol.FileStorageUnavailable, nil
		}
		if protocol.Classify(err) == protocol.OutcomeConnectionLost {
			return "", false, err
		}
		t.logger.Debug("Метка не прочитана",
			slog.String("unit", string(unit)),
			slog.String("error", err.Error()),
		)
		return "", true, nil
	}

	if !res.OK() {
		t.logger.Warn("Контрольная сумма метки не совпала", slog.String("unit", string(unit)))
		return "", true, nil
	}

	var tag cartTag
	if err := json.Unmarshal(res.Data, &tag); err != nil || !ValidDeviceID(tag.DeviceID) {
		t.logger.Warn("Метка устройства повреждена", slog.String("unit", string(unit)))
		return "", true, nil
	}
	return tag.DeviceID, true, nil
}

func (t *Tagger) writeTag(ctx context.Context, p transport.Port, unit model.StorageType, deviceID string) error {
	data, err := json.Marshal(cartTag{DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("сериализация метки: %w", err)
	}

	err = t.client.SendFile(ctx, p, unit.Token(), TagPath, data)
	if errors.Is(err, protocol.ErrFileExists) {
		// Повреждённая метка: перезаписываем.
		if err = t.client.DeleteFile(ctx, p, unit.Token(), TagPath); err != nil {
			return err
		}
		err = t.client.SendFile(ctx, p, unit.Token(), TagPath, data)
	}
	return err
}
