package schema

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Column описывает столбец таблицы.
// Все значения задаются статически в коде, пользовательский ввод сюда не попадает.
type Column struct {
	Name       string
	Type       string
	Default    string // SQL-выражение по умолчанию, например NOW() или 0
	NotNull    bool
	Unique     bool
	PrimaryKey bool

	RefTable        string // таблица для внешнего ключа
	RefColumn       string
	OnDeleteCascade bool
}

// IsForeignKey сообщает, ссылается ли столбец на другую таблицу
func (c Column) IsForeignKey() bool {
	return c.RefTable != ""
}

// Index описывает индекс таблицы
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table описывает таблицу целиком
type Table struct {
	Name    string
	Columns []Column
	Indexes []Index
	// Uniques составные ограничения уникальности: имя -> столбцы
	Uniques []UniqueConstraint
}

// UniqueConstraint составное ограничение уникальности
type UniqueConstraint struct {
	Name    string
	Columns []string
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

// definition возвращает определение столбца для CREATE TABLE
func (c Column) definition() string {
	var b strings.Builder
	b.WriteString(quote(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.IsForeignKey() {
		b.WriteString(" ")
		b.WriteString(c.references())
	}
	return b.String()
}

func (c Column) references() string {
	ref := fmt.Sprintf("REFERENCES %s(%s)", quote(c.RefTable), quote(c.RefColumn))
	if c.OnDeleteCascade {
		ref += " ON DELETE CASCADE"
	}
	return ref
}

// CreateTableSQL строит CREATE TABLE для описания таблицы
func (t Table) CreateTableSQL() string {
	parts := make([]string, 0, len(t.Columns)+len(t.Uniques))
	for _, c := range t.Columns {
		parts = append(parts, c.definition())
	}
	for _, u := range t.Uniques {
		parts = append(parts, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", quote(u.Name), quoteList(u.Columns)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(parts, ",\n\t"))
}

// CreateIndexSQL строит CREATE INDEX для индекса таблицы
func (t Table) CreateIndexSQL(idx Index) string {
	kind := "INDEX"
	if idx.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, quote(idx.Name), quote(t.Name), quoteList(idx.Columns))
}

// AddColumnSQL возвращает DDL для добавления недостающего столбца.
// Первичный и внешний ключи добавляются в два шага: сначала голый столбец, затем ограничение.
func (t Table) AddColumnSQL(c Column) []string {
	table := quote(t.Name)

	switch {
	case c.PrimaryKey:
		col := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quote(c.Name), c.Type)
		if c.Default != "" {
			col += " DEFAULT " + c.Default
		}
		return []string{
			col,
			fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
				table, quote("pk_"+t.Name+"_"+c.Name), quote(c.Name)),
		}

	case c.IsForeignKey():
		return []string{
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quote(c.Name), c.Type),
			fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
				table, quote("fk_"+t.Name+"_"+c.Name), quote(c.Name), c.references()),
		}

	default:
		col := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quote(c.Name), c.Type)
		if c.Default != "" {
			col += " DEFAULT " + c.Default
		}
		// NOT NULL без значения по умолчанию сломается на таблице с данными
		if c.NotNull && c.Default != "" {
			col += " NOT NULL"
		}
		stmts := []string{col}
		if c.Unique {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
				table, quote("uq_"+t.Name+"_"+c.Name), quote(c.Name)))
		}
		return stmts
	}
}
