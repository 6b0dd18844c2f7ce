package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/storage/cache"
)

type fileTable []model.FileEntry

func (t fileTable) header() []string { return []string{"NAME", "SIZE", "PATH"} }

func (t fileTable) rows() [][]string {
	out := make([][]string, len(t))
	for i, f := range t {
		out[i] = []string{f.Name, strconv.FormatInt(f.Size, 10), f.Path}
	}
	return out
}

func (a *App) indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Полностью переиндексировать носитель",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			if !idx.CacheAll(ctx) {
				return fmt.Errorf("индексация %s %s не завершена", c.device.DeviceID, a.unit())
			}
			if err := idx.Flush(); err != nil {
				return fmt.Errorf("сохранение индекса: %w", err)
			}

			st := idx.Stats()
			return render(cmd.OutOrStdout(), a.flags.output, fields{
				{"device_id", c.device.DeviceID},
				{"unit", string(a.unit())},
				{"directories", strconv.Itoa(st.Nodes)},
				{"files", strconv.Itoa(st.Files)},
			})
		},
	}
}

// ensureIndexed обходит носитель, если индекс пуст.
func ensureIndexed(cmd *cobra.Command, idx *cache.Cache) error {
	if idx.Stats().Nodes > 0 {
		return nil
	}
	if !idx.CacheAll(cmd.Context()) {
		return errors.New("индекс пуст и обход носителя не удался")
	}
	return saveCache(idx)
}

func (a *App) searchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Поиск файлов по индексу носителя",
		Long: `Термы разделяются пробелами. "+терм" обязателен, фраза в кавычках
ищется целиком.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			cmd.SetContext(ctx)

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			idx, err := a.storageCache(c)
			if err != nil {
				return err
			}
			if err := ensureIndexed(cmd, idx); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.flags.output, fileTable(idx.Search(args[0], limit)))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "максимум результатов (0 — без ограничения)")
	return cmd
}

func (a *App) randomCmd() *cobra.Command {
	var (
		scope  string
		path   string
		launch bool
	)

	cmd := &cobra.Command{
		Use:   "random",
		Short: "Случайный файл из индекса",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := cache.ParseScope(scope)
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()
			cmd.SetContext(ctx)

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			idx, err := a.storageCache(c)
			if err != nil {
				return err
			}
			if err := ensureIndexed(cmd, idx); err != nil {
				return err
			}
			file, err := idx.RandomFile(sc, path)
			if err != nil {
				return err
			}
			if launch {
				if err := c.session.LaunchFile(ctx, a.unit(), file.Path); err != nil {
					return fmt.Errorf("запуск %s: %w", file.Path, err)
				}
			}
			return render(cmd.OutOrStdout(), a.flags.output, fileTable{*file})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(cache.ScopeStorage), "область: storage, dir_deep, dir_shallow")
	cmd.Flags().StringVar(&path, "path", "/", "каталог для dir_deep и dir_shallow")
	cmd.Flags().BoolVar(&launch, "launch", false, "сразу запустить выбранный файл")
	return cmd
}
