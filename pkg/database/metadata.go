package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Column describes one table column. Metadata is always read from the live
// schema, so it reflects every committed ALTER.
type Column struct {
	Cid        int     `json:"cid"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	NotNull    bool    `json:"notnull"`
	Default    *string `json:"default_value"`
	PrimaryKey int     `json:"is_pk"`
}

var ftsShadowSuffixes = []string{
	"_content", "_segments", "_segdir", "_docsize", "_stat", "_data", "_idx", "_config",
}

// TableNames lists the tables in the database, sorted.
func (d *Database) TableNames(ctx context.Context) ([]string, error) {
	names, err := d.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", d.name, err)
	}
	out := names[:0]
	for _, n := range names {
		if d.kind == KindSQLite && strings.HasPrefix(n, "sqlite_") {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// ViewNames lists the views in the database, sorted.
func (d *Database) ViewNames(ctx context.Context) ([]string, error) {
	var q string
	switch d.kind {
	case KindSQLite:
		q = "SELECT name FROM sqlite_master WHERE type = 'view' ORDER BY name"
	case KindPostgres:
		q = "SELECT table_name FROM information_schema.views WHERE table_schema = current_schema() ORDER BY table_name"
	default:
		q = "SELECT table_name FROM information_schema.views WHERE table_schema = DATABASE() ORDER BY table_name"
	}
	var names []string
	if err := d.db.WithContext(ctx).Raw(q).Scan(&names).Error; err != nil {
		return nil, fmt.Errorf("list views in %s: %w", d.name, err)
	}
	return names, nil
}

// HiddenTableNames lists tables that exist only to support other tables,
// such as full-text search shadow tables.
func (d *Database) HiddenTableNames(ctx context.Context) ([]string, error) {
	if d.kind != KindSQLite {
		return []string{}, nil
	}
	var fts []string
	err := d.db.WithContext(ctx).Raw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND sql LIKE '%VIRTUAL TABLE%USING FTS%'",
	).Scan(&fts).Error
	if err != nil {
		return nil, fmt.Errorf("list hidden tables in %s: %w", d.name, err)
	}
	tables, err := d.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(tables))
	for _, t := range tables {
		existing[t] = true
	}
	hidden := []string{}
	for _, f := range fts {
		for _, suffix := range ftsShadowSuffixes {
			if existing[f+suffix] {
				hidden = append(hidden, f+suffix)
			}
		}
	}
	sort.Strings(hidden)
	return hidden, nil
}

// TableExists reports whether a table named table exists.
func (d *Database) TableExists(ctx context.Context, table string) bool {
	return d.db.WithContext(ctx).Migrator().HasTable(table)
}

// TableColumns returns the columns of table in declaration order.
func (d *Database) TableColumns(ctx context.Context, table string) ([]Column, error) {
	if d.kind == KindSQLite {
		return d.sqliteColumns(ctx, table)
	}
	types, err := d.db.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	cols := make([]Column, 0, len(types))
	pk := 0
	for i, ct := range types {
		c := Column{Cid: i, Name: ct.Name(), Type: ct.DatabaseTypeName()}
		if nullable, ok := ct.Nullable(); ok {
			c.NotNull = !nullable
		}
		if def, ok := ct.DefaultValue(); ok {
			c.Default = &def
		}
		if isPK, ok := ct.PrimaryKey(); ok && isPK {
			pk++
			c.PrimaryKey = pk
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func (d *Database) sqliteColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.db.WithContext(ctx).Raw("PRAGMA table_info(" + d.Quote(table) + ")").Rows()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()
	cols := []Column{}
	for rows.Next() {
		var (
			c       Column
			typ     sql.NullString
			notNull int
			def     sql.NullString
		)
		if err := rows.Scan(&c.Cid, &c.Name, &typ, &notNull, &def, &c.PrimaryKey); err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}
		c.Type = typ.String
		c.NotNull = notNull != 0
		if def.Valid {
			v := def.String
			c.Default = &v
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// PrimaryKeys returns the primary key columns of table in key order.
func (d *Database) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	cols, err := d.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	pks := []Column{}
	for _, c := range cols {
		if c.PrimaryKey > 0 {
			pks = append(pks, c)
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].PrimaryKey < pks[j].PrimaryKey })
	out := make([]string, 0, len(pks))
	for _, c := range pks {
		out = append(out, c.Name)
	}
	return out, nil
}

// TableCount counts the rows in table.
func (d *Database) TableCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Raw("SELECT COUNT(*) FROM " + d.Quote(table)).Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// TableCounts counts the rows in every table. Tables that fail to count are
// left out.
func (d *Database) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables, err := d.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		n, err := d.TableCount(ctx, t)
		if err != nil {
			d.logger.Warn("table count failed", "table", t, "error", err)
			continue
		}
		out[t] = n
	}
	return out, nil
}

// SchemaVersion returns a token that changes whenever the schema does.
func (d *Database) SchemaVersion(ctx context.Context) (string, error) {
	if d.kind == KindSQLite {
		var v int64
		if err := d.db.WithContext(ctx).Raw("PRAGMA schema_version").Scan(&v).Error; err != nil {
			return "", err
		}
		return strconv.FormatInt(v, 10), nil
	}
	tables, err := d.TableNames(ctx)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, t := range tables {
		cols, err := d.TableColumns(ctx, t)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s(", t)
		for _, c := range cols {
			fmt.Fprintf(h, "%s %s,", c.Name, c.Type)
		}
		h.Write([]byte(");"))
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
