package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"refbot/internal/config"
	"refbot/internal/migrations"
	"refbot/internal/referral"
	"refbot/internal/schema"
	"refbot/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка инициализации логгера:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "refctl",
		Short:         "Обслуживание реферального бота",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newMigrateCmd(logger),
		newStatusCmd(logger),
		newStatsCmd(logger),
		newAuditCmd(logger),
		newCodeCmd(),
	)
	return root
}

func newMigrateCmd(logger *zap.Logger) *cobra.Command {
	var reconcile bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции схемы",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadForCLI()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dsn := cfg.Database.GetDSN()

			if err := migrations.RunMigrations(ctx, dsn, logger); err != nil {
				return err
			}
			if !reconcile {
				return nil
			}

			// повторное согласование уже примененных таблиц
			db, err := migrations.Open(dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			return schema.NewReconciler(schema.NewDBExecutor(db), logger).Reconcile(ctx, schema.All())
		},
	}

	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "дополнительно согласовать все таблицы после миграций")
	return cmd
}

func newStatusCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Показать статус миграций",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadForCLI()
			if err != nil {
				return err
			}

			statuses, err := migrations.GetMigrationStatus(cmd.Context(), cfg.Database.GetDSN(), logger)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), statuses)
		},
	}
}

func printStatus(out io.Writer, statuses []migrations.StepStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTABLE\tSTATE")
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Table, state)
	}
	return w.Flush()
}

// openService открывает хранилище из конфигурации
func openService(ctx context.Context, logger *zap.Logger) (*referral.Service, store.Backend, error) {
	cfg, err := config.LoadForCLI()
	if err != nil {
		return nil, nil, err
	}

	backend, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return referral.NewService(backend, logger), backend, nil
}

func newStatsCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <telegram-id>",
		Short: "Показать рефералов пользователя по уровням",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("некорректный telegram id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			service, backend, err := openService(ctx, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			profile, err := service.Profile(ctx, telegramID)
			if err != nil {
				return err
			}
			stats, err := service.Stats(ctx, profile.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s), код %s\n", profile.DisplayName(), profile.ID, profile.ReferralCode)
			for level := 1; level <= 5; level++ {
				fmt.Fprintf(out, "  уровень %d: %d\n", level, stats.Level(level))
			}
			fmt.Fprintf(out, "  всего: %d (%s)\n", stats.Total, stats.Source)
			if stats.Degraded {
				fmt.Fprintln(out, "  статистика неполная")
			}
			return nil
		},
	}
}

func newAuditCmd(logger *zap.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Найти профили с referred_by без реферальной связи",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, backend, err := openService(ctx, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			auditor, ok := store.AsAuditor(backend)
			if !ok {
				return fmt.Errorf("хранилище не поддерживает проверку целостности")
			}

			orphans, err := auditor.FindOrphanReferrals(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tREFERRED_BY\tCREATED_AT")
			for _, o := range orphans {
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.ProfileID, o.ReferredBy, o.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "максимум профилей в отчете")
	return cmd
}

func newCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code <seed>...",
		Short: "Вычислить реферальный код для числового seed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				seed, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("некорректный seed %q: %w", arg, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", seed, referral.GenerateCode(seed))
			}
			return nil
		},
	}
}
