package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/domain/model"
)

type portList []string

func (p portList) header() []string { return []string{"PORT"} }

func (p portList) rows() [][]string {
	out := make([][]string, len(p))
	for i, name := range p {
		out[i] = []string{name}
	}
	return out
}

type deviceTable []model.Device

func (d deviceTable) header() []string {
	return []string{"DEVICE_ID", "PORT", "VERSION", "COMPATIBLE", "SD", "USB"}
}

func (d deviceTable) rows() [][]string {
	out := make([][]string, len(d))
	for i, dev := range d {
		out[i] = []string{
			dev.DeviceID, dev.PortName, dev.Version,
			strconv.FormatBool(dev.IsCompatible),
			strconv.FormatBool(dev.SD.Available),
			strconv.FormatBool(dev.USB.Available),
		}
	}
	return out
}

func (a *App) portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Список последовательных портов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := a.opener().List()
			if err != nil {
				return fmt.Errorf("перечисление портов: %w", err)
			}
			return render(cmd.OutOrStdout(), a.flags.output, portList(ports))
		},
	}
}

func (a *App) findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find",
		Short: "Найти совместимые устройства без подключения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			available, _, err := a.newManager(a.logger()).FindDevices(ctx, false, 0)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.flags.output, deviceTable(available))
		},
	}
}

func (a *App) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Проверить связь с устройством",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			start := time.Now()
			if err := c.session.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", c.device.DeviceID, err)
			}
			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"device_id", c.device.DeviceID},
				{"port", c.device.PortName},
				{"latency_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10)},
			})
		},
	}
}

func (a *App) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Перезагрузить устройство и дождаться переподключения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.session.Reset(ctx); err != nil {
				return fmt.Errorf("reset %s: %w", c.device.DeviceID, err)
			}
			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"device_id", c.device.DeviceID},
				{"state", string(c.session.State())},
			})
		},
	}
}

func (a *App) launchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <path>",
		Short: "Запустить файл на устройстве",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			path := model.CleanPath(args[0])
			if err := c.session.LaunchFile(ctx, a.unit(), path); err != nil {
				return fmt.Errorf("запуск %s: %w", path, err)
			}
			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"launched", path},
				{"unit", string(a.unit())},
			})
		},
	}
}

func (a *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Версия cartctl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return render(cmd.OutOrStdout(), a.flags.output, fields{{"version", config.Version}})
		},
	}
}
