package schema

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	tableExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`

	columnExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`

	indexExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = current_schema() AND tablename = $1 AND indexname = $2
		)`
)

// Reconciler приводит схему БД к описанию: создает недостающие таблицы, столбцы и индексы.
// Ничего не удаляет и не меняет типы существующих столбцов.
type Reconciler struct {
	exec   Executor
	logger *zap.Logger
}

// NewReconciler создает новый Reconciler
func NewReconciler(exec Executor, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		exec:   exec,
		logger: logger,
	}
}

// TableExists проверяет наличие таблицы в текущей схеме
func (r *Reconciler) TableExists(ctx context.Context, name string) (bool, error) {
	exists, err := r.exec.QueryBool(ctx, tableExistsQuery, name)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки таблицы %s: %w", name, err)
	}
	return exists, nil
}

// ColumnExists проверяет наличие столбца в таблице
func (r *Reconciler) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	exists, err := r.exec.QueryBool(ctx, columnExistsQuery, table, column)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки столбца %s.%s: %w", table, column, err)
	}
	return exists, nil
}

// EnsureTable создает таблицу с индексами, если ее нет. Возвращает true, если таблица создана.
func (r *Reconciler) EnsureTable(ctx context.Context, t Table) (bool, error) {
	exists, err := r.TableExists(ctx, t.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	r.logger.Info("создаем таблицу", zap.String("table", t.Name))

	if err := r.exec.Exec(ctx, t.CreateTableSQL()); err != nil {
		return false, fmt.Errorf("ошибка создания таблицы %s: %w", t.Name, err)
	}

	for _, idx := range t.Indexes {
		if err := r.exec.Exec(ctx, t.CreateIndexSQL(idx)); err != nil {
			return false, fmt.Errorf("ошибка создания индекса %s: %w", idx.Name, err)
		}
	}

	return true, nil
}

// EnsureColumns добавляет отсутствующие столбцы. Возвращает имена добавленных столбцов.
func (r *Reconciler) EnsureColumns(ctx context.Context, t Table) ([]string, error) {
	var added []string

	for _, c := range t.Columns {
		exists, err := r.ColumnExists(ctx, t.Name, c.Name)
		if err != nil {
			return added, err
		}
		if exists {
			continue
		}

		r.logger.Info("добавляем столбец",
			zap.String("table", t.Name),
			zap.String("column", c.Name))

		for _, stmt := range t.AddColumnSQL(c) {
			if err := r.exec.Exec(ctx, stmt); err != nil {
				return added, fmt.Errorf("ошибка добавления столбца %s.%s: %w", t.Name, c.Name, err)
			}
		}
		added = append(added, c.Name)
	}

	return added, nil
}

// IndexExists проверяет наличие индекса у таблицы
func (r *Reconciler) IndexExists(ctx context.Context, table, index string) (bool, error) {
	exists, err := r.exec.QueryBool(ctx, indexExistsQuery, table, index)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки индекса %s: %w", index, err)
	}
	return exists, nil
}

// EnsureIndexes создает недостающие индексы существующей таблицы. Возвращает имена созданных.
func (r *Reconciler) EnsureIndexes(ctx context.Context, t Table) ([]string, error) {
	var created []string

	for _, idx := range t.Indexes {
		exists, err := r.IndexExists(ctx, t.Name, idx.Name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if err := r.exec.Exec(ctx, t.CreateIndexSQL(idx)); err != nil {
			return created, fmt.Errorf("ошибка создания индекса %s: %w", idx.Name, err)
		}
		created = append(created, idx.Name)
	}
	return created, nil
}

// ReconcileTable выполняет EnsureTable, а для существующей таблицы EnsureColumns и EnsureIndexes
func (r *Reconciler) ReconcileTable(ctx context.Context, t Table) error {
	created, err := r.EnsureTable(ctx, t)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	added, err := r.EnsureColumns(ctx, t)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		r.logger.Info("таблица дополнена",
			zap.String("table", t.Name),
			zap.Strings("columns", added))
	}

	indexes, err := r.EnsureIndexes(ctx, t)
	if err != nil {
		return err
	}
	if len(indexes) > 0 {
		r.logger.Info("созданы индексы",
			zap.String("table", t.Name),
			zap.Strings("indexes", indexes))
	}
	return nil
}

// Reconcile приводит все таблицы к описанию. Ошибка DDL прерывает процесс.
func (r *Reconciler) Reconcile(ctx context.Context, tables []Table) error {
	for _, t := range tables {
		if err := r.ReconcileTable(ctx, t); err != nil {
			return err
		}
	}
	r.logger.Info("схема базы данных согласована", zap.Int("tables", len(tables)))
	return nil
}
