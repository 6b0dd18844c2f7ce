// Пакет cli — команды cartctl, утилиты оператора для прямой работы
// с картриджем по последовательному порту.
//
// Каждая команда находит устройство (или берёт указанное --port),
// подключается, выполняет одну операцию и закрывает порт. Индекс
// носителя хранится в --cache-dir между запусками.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/simdevice"
	"github.com/bigkaa/cartlink/internal/storage/cache"
	"github.com/bigkaa/cartlink/internal/transport"
)

// globalFlags — общие флаги всех команд.
type globalFlags struct {
	port      string
	unit      string
	settings  string
	cacheDir  string
	output    string
	timeout   time.Duration
	simulator bool
	verbose   bool
}

// App — состояние cartctl между разбором флагов и выполнением команды.
type App struct {
	base      transport.Opener
	clientCfg protocol.Config
	devOpts   device.Options
	stderr    io.Writer

	flags globalFlags
	sim   *simdevice.Device
}

// New создаёт приложение поверх base (порты ОС). base может быть nil:
// тогда доступен только симулятор.
func New(base transport.Opener) *App {
	return &App{
		base:      base,
		clientCfg: protocol.DefaultConfig(),
		devOpts:   device.DefaultOptions(),
		stderr:    os.Stderr,
	}
}

// Command собирает дерево команд cartctl.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "cartctl",
		Short: "Утилита оператора для картриджа TeensyROM",
		Long: `cartctl работает с картриджем напрямую по последовательному порту:
поиск устройств, команды, передача файлов и индекс носителей.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.stderr = cmd.ErrOrStderr()
			if _, err := model.ParseStorageType(a.flags.unit); err != nil {
				return err
			}
			switch a.flags.output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("недопустимый формат вывода %q, допустимые: table, json, yaml", a.flags.output)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.port, "port", "", "порт устройства (по умолчанию — единственное найденное)")
	pf.StringVar(&a.flags.unit, "unit", string(model.StorageSD), "носитель: SD или USB")
	pf.StringVar(&a.flags.settings, "settings", "", "YAML с настройками хранилища")
	pf.StringVar(&a.flags.cacheDir, "cache-dir", defaultCacheDir(), "каталог снимков индекса")
	pf.StringVarP(&a.flags.output, "output", "o", "table", "формат вывода: table, json, yaml")
	pf.DurationVar(&a.flags.timeout, "timeout", 30*time.Second, "предел на выполнение команды")
	pf.BoolVar(&a.flags.simulator, "simulator", false, "добавить симулятор устройства на порт SIM0")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "подробный журнал в stderr")

	root.AddCommand(
		a.portsCmd(),
		a.findCmd(),
		a.pingCmd(),
		a.resetCmd(),
		a.launchCmd(),
		a.lsCmd(),
		a.getCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.indexCmd(),
		a.searchCmd(),
		a.randomCmd(),
		a.versionCmd(),
	)
	return root
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".cartlink"
	}
	return filepath.Join(dir, "cartlink")
}

func (a *App) logger() *slog.Logger {
	level := slog.LevelWarn
	if a.flags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

func (a *App) unit() model.StorageType {
	u, _ := model.ParseStorageType(a.flags.unit)
	return u
}

func (a *App) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.flags.timeout)
}

// opener возвращает порты ОС и, с --simulator, симулятор. Симулятор
// живёт всё время жизни App, чтобы последовательные команды видели
// одно и то же содержимое.
func (a *App) opener() *transport.MultiOpener {
	o := transport.NewMultiOpener(a.base)
	if a.flags.simulator {
		if a.sim == nil {
			a.sim = simdevice.Demo("SIM0")
		}
		o.Register(a.sim.Name(), a.sim.Factory())
	}
	return o
}

func (a *App) newManager(logger *slog.Logger) *device.Manager {
	opts := a.devOpts
	if a.flags.port != "" {
		opts.PortAllowlist = []string{a.flags.port}
	}
	return device.NewManager(a.opener(), protocol.NewClient(a.clientCfg, logger), opts, logger)
}

// conn — подключённое устройство на время одной команды.
type conn struct {
	manager *device.Manager
	session *device.Session
	device  model.Device
	logger  *slog.Logger
}

func (c *conn) close() {
	if err := c.manager.ClosePort(c.device.DeviceID); err != nil {
		c.logger.Warn("Ошибка закрытия порта", slog.String("error", err.Error()))
	}
}

// connect находит и подключает ровно одно устройство.
func (a *App) connect(ctx context.Context) (*conn, error) {
	logger := a.logger()
	m := a.newManager(logger)

	_, connected, err := m.FindDevices(ctx, true, 0)
	if err != nil {
		return nil, err
	}
	switch len(connected) {
	case 0:
		return nil, errors.New("совместимое устройство не найдено")
	case 1:
	default:
		for _, d := range connected {
			_ = m.ClosePort(d.DeviceID)
		}
		return nil, fmt.Errorf("найдено устройств: %d, укажите --port", len(connected))
	}

	dev := connected[0]
	s, err := m.Session(dev.DeviceID)
	if err != nil {
		_ = m.ClosePort(dev.DeviceID)
		return nil, err
	}
	return &conn{manager: m, session: s, device: dev, logger: logger}, nil
}

// storageCache открывает индекс носителя подключённого устройства
// и восстанавливает его из снимка.
func (a *App) storageCache(c *conn) (*cache.Cache, error) {
	settings, err := config.LoadStorageSettings(a.flags.settings)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.flags.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("каталог индекса: %w", err)
	}
	idx := cache.New(c.session, cache.Options{
		DeviceID: c.device.DeviceID,
		Unit:     a.unit(),
		Dir:      a.flags.cacheDir,
		Settings: settings,
	}, c.logger)
	if err := idx.Load(); err != nil {
		c.logger.Warn("Снимок индекса не загружен", slog.String("error", err.Error()))
	}
	return idx, nil
}

// saveCache сохраняет индекс, если он изменился.
func saveCache(idx *cache.Cache) error {
	if !idx.Dirty() {
		return nil
	}
	return idx.Flush()
}
