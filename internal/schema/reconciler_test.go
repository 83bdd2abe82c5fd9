package schema

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	createTableRe = regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS "(\w+)"`)
	addColumnRe   = regexp.MustCompile(`^ALTER TABLE "(\w+)" ADD COLUMN "(\w+)"`)
	createIndexRe = regexp.MustCompile(`^CREATE (?:UNIQUE )?INDEX IF NOT EXISTS "(\w+)"`)
)

// fakeExecutor эмулирует information_schema и записывает выполненный DDL
type fakeExecutor struct {
	defs    map[string]Table
	tables  map[string]map[string]bool
	indexes map[string]bool
	ddl     []string
	failOn  string
	queries int
}

func newFakeExecutor(tables []Table) *fakeExecutor {
	defs := make(map[string]Table, len(tables))
	for _, t := range tables {
		defs[t.Name] = t
	}
	return &fakeExecutor{defs: defs, tables: make(map[string]map[string]bool), indexes: make(map[string]bool)}
}

// withTable заводит существующую таблицу с частью столбцов
func (f *fakeExecutor) withTable(name string, columns ...string) *fakeExecutor {
	cols := make(map[string]bool)
	for _, c := range columns {
		cols[c] = true
	}
	f.tables[name] = cols
	return f
}

func (f *fakeExecutor) Exec(_ context.Context, query string, _ ...any) error {
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return errors.New("permission denied")
	}
	f.ddl = append(f.ddl, query)

	if m := createTableRe.FindStringSubmatch(query); m != nil {
		cols := make(map[string]bool)
		for _, c := range f.defs[m[1]].Columns {
			cols[c.Name] = true
		}
		f.tables[m[1]] = cols
	}
	if m := addColumnRe.FindStringSubmatch(query); m != nil {
		f.tables[m[1]][m[2]] = true
	}
	if m := createIndexRe.FindStringSubmatch(query); m != nil {
		f.indexes[m[1]] = true
	}
	return nil
}

func (f *fakeExecutor) QueryBool(_ context.Context, query string, args ...any) (bool, error) {
	f.queries++
	if strings.Contains(query, "pg_indexes") {
		return f.indexes[args[1].(string)], nil
	}
	table := args[0].(string)
	cols, ok := f.tables[table]
	if len(args) == 1 {
		return ok, nil
	}
	return ok && cols[args[1].(string)], nil
}

func TestReconcile_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	tables := All()
	exec := newFakeExecutor(tables)
	r := NewReconciler(exec, zap.NewNop())

	require.NoError(t, r.Reconcile(ctx, tables))

	for _, tbl := range tables {
		assert.Contains(t, exec.tables, tbl.Name)
	}
	assert.NotEmpty(t, exec.ddl)

	// Повторный запуск не должен выполнять DDL
	exec.ddl = nil
	require.NoError(t, r.Reconcile(ctx, tables))
	assert.Empty(t, exec.ddl)
}

func TestEnsureColumns_AddsMissing(t *testing.T) {
	ctx := context.Background()
	profiles := Profiles()
	exec := newFakeExecutor([]Table{profiles}).
		withTable(TableProfiles, "telegram_id", "first_name", "created_at", "updated_at",
			"telegram_username", "last_name", "avatar_url")
	r := NewReconciler(exec, zap.NewNop())

	added, err := r.EnsureColumns(ctx, profiles)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "referral_code", "referred_by"}, added)

	joined := strings.Join(exec.ddl, "\n")
	assert.Contains(t, joined, `ADD CONSTRAINT "pk_profiles_id" PRIMARY KEY ("id")`)
	assert.Contains(t, joined, `ADD CONSTRAINT "fk_profiles_referred_by" FOREIGN KEY ("referred_by") REFERENCES "profiles"("id")`)
	assert.Contains(t, joined, `ADD CONSTRAINT "uq_profiles_referral_code" UNIQUE ("referral_code")`)

	// Второй проход: столбцы на месте, DDL нет
	exec.ddl = nil
	added, err = r.EnsureColumns(ctx, profiles)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, exec.ddl)
}

func TestEnsureTable_ExistingTableUntouched(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor(All()).withTable(TableBalances, "id", "user_id")
	r := NewReconciler(exec, zap.NewNop())

	created, err := r.EnsureTable(ctx, Balances())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, exec.ddl)
}

func TestReconcileTable_AddsMissingIndexes(t *testing.T) {
	ctx := context.Background()
	stats := ReferralStats()
	cols := make([]string, 0, len(stats.Columns))
	for _, c := range stats.Columns {
		cols = append(cols, c.Name)
	}
	// таблица создана до появления уникального индекса
	exec := newFakeExecutor([]Table{stats}).withTable(TableReferralStats, cols...)
	r := NewReconciler(exec, zap.NewNop())

	require.NoError(t, r.ReconcileTable(ctx, stats))
	require.Len(t, exec.ddl, 1)
	assert.Equal(t,
		`CREATE UNIQUE INDEX IF NOT EXISTS "idx_referral_stats_user_id" ON "referral_stats" ("user_id")`,
		exec.ddl[0])

	exec.ddl = nil
	require.NoError(t, r.ReconcileTable(ctx, stats))
	assert.Empty(t, exec.ddl)
}

func TestReconcile_DDLFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor(All())
	exec.failOn = `CREATE TABLE IF NOT EXISTS "referrals"`
	r := NewReconciler(exec, zap.NewNop())

	err := r.Reconcile(ctx, All())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referrals")
	// Дальше referrals процесс не пошел
	assert.NotContains(t, exec.tables, TableBalances)
}

func TestAddColumnSQL(t *testing.T) {
	tests := []struct {
		name   string
		table  Table
		column Column
		want   []string
	}{
		{
			name:   "обычный столбец с default",
			table:  ReferralStats(),
			column: Column{Name: "level_3_count", Type: "INTEGER", Default: "0"},
			want:   []string{`ALTER TABLE "referral_stats" ADD COLUMN "level_3_count" INTEGER DEFAULT 0`},
		},
		{
			name:   "not null без default не добавляется как not null",
			table:  SupportTickets(),
			column: Column{Name: "message", Type: "TEXT", NotNull: true},
			want:   []string{`ALTER TABLE "support_tickets" ADD COLUMN "message" TEXT`},
		},
		{
			name:   "внешний ключ с каскадом",
			table:  Balances(),
			column: userIDColumn(),
			want: []string{
				`ALTER TABLE "balances" ADD COLUMN "user_id" UUID`,
				`ALTER TABLE "balances" ADD CONSTRAINT "fk_balances_user_id" FOREIGN KEY ("user_id") REFERENCES "profiles"("id") ON DELETE CASCADE`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.table.AddColumnSQL(tt.column))
		})
	}
}

func TestCreateTableSQL_Referrals(t *testing.T) {
	ddl := Referrals().CreateTableSQL()
	assert.Contains(t, ddl, `CONSTRAINT "unique_referral_per_referrer" UNIQUE ("referrer_id", "referred_id")`)
	assert.Contains(t, ddl, `"referrer_id" UUID NOT NULL REFERENCES "profiles"("id") ON DELETE CASCADE`)
	assert.Contains(t, ddl, `"id" UUID PRIMARY KEY DEFAULT gen_random_uuid()`)
}
