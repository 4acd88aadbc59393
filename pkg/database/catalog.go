package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InternalName is the name of the host's private database. It is never
// served and holds the schema catalog that permission SQL queries against.
const InternalName = "_internal"

// CatalogDatabase records one attached database.
type CatalogDatabase struct {
	DatabaseName  string    `gorm:"primaryKey;column:database_name"`
	Path          string    `gorm:"column:path"`
	IsMemory      bool      `gorm:"column:is_memory"`
	IsMutable     bool      `gorm:"column:is_mutable"`
	SchemaVersion string    `gorm:"column:schema_version"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (CatalogDatabase) TableName() string { return "catalog_databases" }

// CatalogTable records one table or view.
type CatalogTable struct {
	DatabaseName string `gorm:"primaryKey;column:database_name"`
	Name         string `gorm:"primaryKey;column:table_name"`
	IsView       bool   `gorm:"column:is_view"`
	Hidden       bool   `gorm:"column:hidden"`
}

func (CatalogTable) TableName() string { return "catalog_tables" }

// CatalogColumn records one column of a table.
type CatalogColumn struct {
	DatabaseName string  `gorm:"primaryKey;column:database_name"`
	Table        string  `gorm:"primaryKey;column:table_name"`
	Name         string  `gorm:"primaryKey;column:name"`
	Cid          int     `gorm:"column:cid"`
	Type         string  `gorm:"column:type"`
	NotNull      bool    `gorm:"column:notnull"`
	DefaultValue *string `gorm:"column:default_value"`
	IsPK         int     `gorm:"column:is_pk"`
}

func (CatalogColumn) TableName() string { return "catalog_columns" }

// Catalog mirrors the schema of every attached database into the internal
// database.
type Catalog struct {
	internal *Database
}

// NewCatalog creates the catalog tables in internal.
func NewCatalog(ctx context.Context, internal *Database) (*Catalog, error) {
	_, err := internal.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		for _, model := range []any{&CatalogDatabase{}, &CatalogTable{}, &CatalogColumn{}} {
			if err := tx.AutoMigrate(model); err != nil {
				return nil, fmt.Errorf("auto-migrate catalog: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &Catalog{internal: internal}, nil
}

// Internal returns the database the catalog lives in.
func (c *Catalog) Internal() *Database { return c.internal }

// Refresh replaces everything recorded about db with its live schema.
func (c *Catalog) Refresh(ctx context.Context, db *Database, path string) error {
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("refresh catalog for %s: %w", db.Name(), err)
	}
	tables, err := db.TableNames(ctx)
	if err != nil {
		return err
	}
	views, err := db.ViewNames(ctx)
	if err != nil {
		return err
	}
	hidden, err := db.HiddenTableNames(ctx)
	if err != nil {
		return err
	}
	hiddenSet := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		hiddenSet[h] = true
	}

	tableRows := make([]CatalogTable, 0, len(tables)+len(views))
	columnRows := []CatalogColumn{}
	for _, t := range tables {
		tableRows = append(tableRows, CatalogTable{DatabaseName: db.Name(), Name: t, Hidden: hiddenSet[t]})
		cols, err := db.TableColumns(ctx, t)
		if err != nil {
			return err
		}
		for _, col := range cols {
			columnRows = append(columnRows, CatalogColumn{
				DatabaseName: db.Name(),
				Table:        t,
				Name:         col.Name,
				Cid:          col.Cid,
				Type:         col.Type,
				NotNull:      col.NotNull,
				DefaultValue: col.Default,
				IsPK:         col.PrimaryKey,
			})
		}
	}
	for _, v := range views {
		tableRows = append(tableRows, CatalogTable{DatabaseName: db.Name(), Name: v, IsView: true})
	}

	_, err = c.internal.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		if err := deleteDatabaseRows(tx, db.Name()); err != nil {
			return nil, err
		}
		rec := CatalogDatabase{
			DatabaseName:  db.Name(),
			Path:          path,
			IsMemory:      db.IsMemory(),
			IsMutable:     db.IsMutable(),
			SchemaVersion: version,
			UpdatedAt:     time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("record database: %w", err)
		}
		if len(tableRows) > 0 {
			if err := tx.CreateInBatches(tableRows, 100).Error; err != nil {
				return nil, fmt.Errorf("record tables: %w", err)
			}
		}
		if len(columnRows) > 0 {
			if err := tx.CreateInBatches(columnRows, 100).Error; err != nil {
				return nil, fmt.Errorf("record columns: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// Remove forgets db.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	_, err := c.internal.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		return nil, deleteDatabaseRows(tx, name)
	})
	return err
}

func deleteDatabaseRows(tx *gorm.DB, name string) error {
	for _, model := range []any{&CatalogColumn{}, &CatalogTable{}, &CatalogDatabase{}} {
		if err := tx.Where("database_name = ?", name).Delete(model).Error; err != nil {
			return fmt.Errorf("clear catalog for %s: %w", name, err)
		}
	}
	return nil
}

// Databases lists the recorded databases.
func (c *Catalog) Databases(ctx context.Context) ([]CatalogDatabase, error) {
	var out []CatalogDatabase
	err := c.internal.Gorm().WithContext(ctx).Order("database_name").Find(&out).Error
	return out, err
}

// Tables lists the recorded tables and views of a database.
func (c *Catalog) Tables(ctx context.Context, database string) ([]CatalogTable, error) {
	var out []CatalogTable
	err := c.internal.Gorm().WithContext(ctx).
		Where("database_name = ?", database).
		Order("table_name").
		Find(&out).Error
	return out, err
}

// Columns lists the recorded columns of a table.
func (c *Catalog) Columns(ctx context.Context, database, table string) ([]CatalogColumn, error) {
	var out []CatalogColumn
	err := c.internal.Gorm().WithContext(ctx).
		Where("database_name = ? AND table_name = ?", database, table).
		Order("cid").
		Find(&out).Error
	return out, err
}
