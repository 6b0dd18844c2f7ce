package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

// Session — доступ к командам одного подключённого устройства.
// Каждая команда выполняется под guard автомата соединения, поэтому
// команды к одному устройству идут строго по очереди.
type Session struct {
	device    model.Device
	machine   *connstate.Machine
	client    *protocol.Client
	reconnect protocol.ReconnectFunc
	logger    *slog.Logger
}

// Device возвращает снимок устройства на момент открытия сессии.
func (s *Session) Device() model.Device { return s.device }

// State возвращает текущее состояние соединения.
func (s *Session) State() connstate.State { return s.machine.Current() }

// do захватывает порт, выполняет fn и освобождает порт. Потеря порта,
// таймаут ввода-вывода и отмена контекста посреди команды переводят
// устройство в connection_lost: поток байт после прерванной команды
// не согласован.
func (s *Session) do(ctx context.Context, op string, fn func(p transport.Port) error) error {
	g, err := s.machine.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = fn(g.Port())
	switch {
	case err == nil:
		g.Release()
	case linkLost(ctx, err):
		s.logger.Warn("Связь с устройством потеряна",
			slog.String("command", op),
			slog.String("error", err.Error()),
		)
		g.Fail(err)
	default:
		g.Release()
	}
	return err
}

// linkLost сообщает, что после ошибки err состоянию линии нельзя доверять.
func linkLost(ctx context.Context, err error) bool {
	return protocol.Classify(err) == protocol.OutcomeConnectionLost || ctx.Err() != nil
}

// Ping проверяет отклик устройства.
func (s *Session) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(p transport.Port) error {
		return s.client.Ping(ctx, p)
	})
}

// Reset перезагружает компьютер с картриджем. Если перезагрузка закрыла
// порт, соединение восстанавливается.
func (s *Session) Reset(ctx context.Context) error {
	g, err := s.machine.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	reconnect := func(ctx context.Context) error {
		g.Fail(transport.ErrPortClosed)
		if s.reconnect == nil {
			return errors.New("переподключение не настроено")
		}
		return s.reconnect(ctx)
	}

	err = s.client.Reset(ctx, g.Port(), reconnect)
	if err != nil && linkLost(ctx, err) {
		g.Fail(err)
	}
	// После Fail внутри reconnect повторный Release ничего не делает.
	g.Release()
	return err
}

// TogglePlayback ставит музыку на паузу или возобновляет.
func (s *Session) TogglePlayback(ctx context.Context) error {
	return s.do(ctx, "toggle_playback", func(p transport.Port) error {
		return s.client.TogglePlayback(ctx, p)
	})
}

// PlaySubtune переключает подпесню.
func (s *Session) PlaySubtune(ctx context.Context, index int) error {
	return s.do(ctx, "play_subtune", func(p transport.Port) error {
		return s.client.PlaySubtune(ctx, p, index)
	})
}

// MuteVoices заглушает голоса SID.
func (s *Session) MuteVoices(ctx context.Context, mask protocol.Voice) error {
	return s.do(ctx, "mute_voices", func(p transport.Port) error {
		return s.client.MuteVoices(ctx, p, mask)
	})
}

// SetMusicSpeed меняет скорость воспроизведения.
func (s *Session) SetMusicSpeed(ctx context.Context, curve protocol.SpeedCurve, amount int) error {
	return s.do(ctx, "set_music_speed", func(p transport.Port) error {
		return s.client.SetMusicSpeed(ctx, p, curve, amount)
	})
}

// LaunchFile запускает файл.
func (s *Session) LaunchFile(ctx context.Context, unit model.StorageType, path string) error {
	return s.do(ctx, "launch_file", func(p transport.Port) error {
		return s.client.LaunchFile(ctx, p, unit.Token(), model.CleanPath(path))
	})
}

// DeleteFile удаляет файл.
func (s *Session) DeleteFile(ctx context.Context, unit model.StorageType, path string) error {
	return s.do(ctx, "delete_file", func(p transport.Port) error {
		return s.client.DeleteFile(ctx, p, unit.Token(), model.CleanPath(path))
	})
}

// SendFile передаёт файл. С overwrite существующий файл удаляется
// и передача повторяется один раз.
func (s *Session) SendFile(ctx context.Context, unit model.StorageType, path string, data []byte, overwrite bool) error {
	path = model.CleanPath(path)
	return s.do(ctx, "send_file", func(p transport.Port) error {
		err := s.client.SendFile(ctx, p, unit.Token(), path, data)
		if !overwrite || !errors.Is(err, protocol.ErrFileExists) {
			return err
		}
		s.logger.Debug("Файл существует, перезапись", slog.String("path", path))
		if err := s.client.DeleteFile(ctx, p, unit.Token(), path); err != nil {
			return fmt.Errorf("send_file: удаление перед перезаписью: %w", err)
		}
		return s.client.SendFile(ctx, p, unit.Token(), path, data)
	})
}

// GetFile получает файл.
func (s *Session) GetFile(ctx context.Context, unit model.StorageType, path string) (*protocol.GetFileResult, error) {
	var res *protocol.GetFileResult
	err := s.do(ctx, "get_file", func(p transport.Port) error {
		var err error
		res, err = s.client.GetFile(ctx, p, unit.Token(), model.CleanPath(path))
		return err
	})
	return res, err
}

// ListDirectory возвращает содержимое каталога; с recursive — всего
// поддерева в порядке обхода в глубину. Порт удерживается на весь обход.
func (s *Session) ListDirectory(ctx context.Context, unit model.StorageType, path string, recursive bool) ([]*protocol.DirectoryContent, error) {
	var result []*protocol.DirectoryContent
	err := s.do(ctx, "list_directory", func(p transport.Port) error {
		if recursive {
			var err error
			result, err = s.client.ListDirectoryRecursive(ctx, p, unit.Token(), path)
			return err
		}
		dc, err := s.client.ListDirectory(ctx, p, unit.Token(), path)
		if err != nil {
			return err
		}
		result = []*protocol.DirectoryContent{dc}
		return nil
	})
	return result, err
}

// SendRaw отправляет произвольный текст и возвращает ответ.
func (s *Session) SendRaw(ctx context.Context, text string) (string, error) {
	var reply string
	err := s.do(ctx, "send_raw", func(p transport.Port) error {
		var err error
		reply, err = s.client.SendRaw(ctx, p, text)
		return err
	})
	return reply, err
}
