package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"refbot/internal/schema"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Step одна версионированная миграция: согласование одной таблицы
type Step struct {
	Version int64
	Table   schema.Table
}

// Plan возвращает шаги миграций по порядку версий.
// Новые таблицы добавляются только в конец списка.
func Plan() []Step {
	tables := schema.All()
	steps := make([]Step, len(tables))
	for i, t := range tables {
		steps[i] = Step{Version: int64(i + 1), Table: t}
	}
	return steps
}

// goMigrations превращает шаги в Go-миграции goose
func goMigrations(logger *zap.Logger) []*goose.Migration {
	plan := Plan()
	migrations := make([]*goose.Migration, 0, len(plan))

	for _, step := range plan {
		table := step.Table
		up := &goose.GoFunc{
			RunTx: func(ctx context.Context, tx *sql.Tx) error {
				return schema.NewReconciler(schema.NewTxExecutor(tx), logger).ReconcileTable(ctx, table)
			},
		}
		migrations = append(migrations, goose.NewGoMigration(step.Version, up, nil))
	}

	return migrations
}

// Open открывает подключение database/sql для миграций
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных для миграций: %w", err)
	}
	return db, nil
}

// NewProvider создает goose.Provider со всеми шагами миграций
func NewProvider(db *sql.DB, logger *zap.Logger) (*goose.Provider, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, nil,
		goose.WithGoMigrations(goMigrations(logger)...),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания провайдера миграций: %w", err)
	}
	return provider, nil
}

// Up применяет миграции через уже открытое подключение
func Up(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	logger.Info("начало применения миграций")

	provider, err := NewProvider(db, logger)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	for _, res := range results {
		logger.Info("миграция применена",
			zap.Int64("version", res.Source.Version),
			zap.Duration("duration", res.Duration))
	}

	logger.Info("миграции успешно применены", zap.Int("applied", len(results)))
	return nil
}

// RunMigrations открывает отдельное подключение по DSN и применяет миграции
func RunMigrations(ctx context.Context, dsn string, logger *zap.Logger) error {
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return Up(ctx, db, logger)
}

// StepStatus статус одного шага миграции
type StepStatus struct {
	Version int64
	Table   string
	Applied bool
}

// GetMigrationStatus возвращает статус миграций
func GetMigrationStatus(ctx context.Context, dsn string, logger *zap.Logger) ([]StepStatus, error) {
	logger.Info("проверка статуса миграций")

	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	provider, err := NewProvider(db, logger)
	if err != nil {
		return nil, err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статуса миграций: %w", err)
	}

	return mergeStatus(Plan(), statuses), nil
}

func mergeStatus(plan []Step, statuses []*goose.MigrationStatus) []StepStatus {
	applied := make(map[int64]bool, len(statuses))
	for _, s := range statuses {
		applied[s.Source.Version] = s.State == goose.StateApplied
	}

	result := make([]StepStatus, len(plan))
	for i, step := range plan {
		result[i] = StepStatus{
			Version: step.Version,
			Table:   step.Table.Name,
			Applied: applied[step.Version],
		}
	}
	return result
}
