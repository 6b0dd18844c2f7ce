package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bigkaa/cartlink/internal/domain/model"
)

type itemTable []model.StorageItem

func (t itemTable) header() []string { return []string{"KIND", "NAME", "SIZE", "PATH"} }

func (t itemTable) rows() [][]string {
	out := make([][]string, len(t))
	for i, it := range t {
		size := ""
		if it.Kind == model.KindFile {
			size = strconv.FormatInt(it.Size, 10)
		}
		out[i] = []string{string(it.Kind), it.Name, size, it.Path}
	}
	return out
}

func (a *App) lsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "Содержимое каталога на носителе",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			idx, err := a.storageCache(c)
			if err != nil {
				return err
			}
			if refresh && !idx.Cache(ctx, path) {
				return fmt.Errorf("не удалось перечитать %s", path)
			}
			node, err := idx.GetDirectory(ctx, path)
			if err != nil {
				return err
			}
			if err := saveCache(idx); err != nil {
				c.logger.Warn("Снимок индекса не сохранён", slog.String("error", err.Error()))
			}
			return render(cmd.OutOrStdout(), a.flags.output, itemTable(node.ToList()))
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "перечитать каталог с устройства")
	return cmd
}

// errChecksum — содержимое получено, но контрольная сумма не сошлась.
var errChecksum = errors.New("контрольная сумма не совпала")

func (a *App) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Скачать файл с носителя (без local или с \"-\" — в stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := model.CleanPath(args[0])
			local := "-"
			if len(args) == 2 {
				local = args[1]
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			res, err := c.session.GetFile(ctx, a.unit(), remote)
			if err != nil {
				return fmt.Errorf("получение %s: %w", remote, err)
			}
			if !res.OK() {
				return fmt.Errorf("%s: %w (ожидалась %04x, получена %04x)", remote, errChecksum, res.Expected, res.Actual)
			}

			if local == "-" {
				_, err := cmd.OutOrStdout().Write(res.Data)
				return err
			}
			if err := os.WriteFile(local, res.Data, 0o644); err != nil {
				return fmt.Errorf("запись %s: %w", local, err)
			}
			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"remote", remote},
				{"local", local},
				{"size", strconv.Itoa(len(res.Data))},
				{"checksum", fmt.Sprintf("%04x", res.Actual)},
			})
		},
	}
}

func (a *App) putCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Загрузить файл на носитель",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("чтение %s: %w", args[0], err)
			}
			remote := model.CleanPath(args[1])

			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.session.SendFile(ctx, a.unit(), remote, data, overwrite); err != nil {
				return fmt.Errorf("передача %s: %w", remote, err)
			}

			idx, err := a.storageCache(c)
			if err != nil {
				return err
			}
			idx.UpsertFile(model.FileEntry{Path: remote, Size: int64(len(data))})
			if err := saveCache(idx); err != nil {
				c.logger.Warn("Снимок индекса не сохранён", slog.String("error", err.Error()))
			}

			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"remote", remote},
				{"size", strconv.Itoa(len(data))},
				{"unit", string(a.unit())},
			})
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "заменить существующий файл")
	return cmd
}

func (a *App) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote>",
		Short: "Удалить файл с носителя",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := model.CleanPath(args[0])

			ctx, cancel := a.context(cmd)
			defer cancel()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.session.DeleteFile(ctx, a.unit(), remote); err != nil {
				return fmt.Errorf("удаление %s: %w", remote, err)
			}

			idx, err := a.storageCache(c)
			if err != nil {
				return err
			}
			idx.DeleteFile(remote)
			if err := saveCache(idx); err != nil {
				c.logger.Warn("Снимок индекса не сохранён", slog.String("error", err.Error()))
			}

			return render(cmd.OutOrStdout(), a.flags.output, fields{{"deleted", remote}})
		},
	}
}
