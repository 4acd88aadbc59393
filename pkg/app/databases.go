package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
)

// reserveName claims name for an attach in progress. The claim is checked
// and taken under one lock, so two concurrent attaches cannot both pass.
func (ds *Datasette) reserveName(name string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, ok := ds.databases[name]; ok || ds.attaching.Contains(name) {
		return errs.Invalid("database", "%q is already attached", name)
	}
	ds.attaching.Add(name)
	return nil
}

func (ds *Datasette) releaseName(name string) {
	ds.mu.Lock()
	ds.attaching.Remove(name)
	ds.mu.Unlock()
}

// AddDatabase opens a database and serves it under name. prepare_connection
// runs against the new connection before it becomes visible, and the
// catalog is refreshed.
func (ds *Datasette) AddDatabase(ctx context.Context, name string, dc config.DatabaseConfig) (*database.Database, error) {
	if name == "" || name == database.InternalName {
		return nil, errs.Invalid("database", "name %q is reserved", name)
	}
	if err := ds.reserveName(name); err != nil {
		return nil, err
	}
	attached := false
	defer func() {
		if !attached {
			ds.releaseName(name)
		}
	}()

	settings := ds.Settings()
	db, err := database.Open(database.Options{
		Name:            name,
		Kind:            database.Kind(dc.Type),
		DSN:             dc.DSN,
		Immutable:       dc.Immutable,
		MaxReturnedRows: settings.MaxReturnedRows,
		TimeLimit:       time.Duration(settings.SQLTimeLimitMs) * time.Millisecond,
		OnSchemaChange:  ds.onSchemaChange,
		Logger:          ds.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := ds.dispatcher.Fire(ctx, hooks.PrepareConnection, hooks.Values{
		hooks.ParamConn:      db.Gorm(),
		hooks.ParamDatabase:  name,
		hooks.ParamDatasette: ds,
	}); err != nil {
		ds.logger.Warn("prepare_connection failed", "database", name, "error", err)
	}

	ds.mu.Lock()
	ds.attaching.Remove(name)
	ds.databases[name] = db
	ds.order = append(ds.order, name)
	ds.mu.Unlock()
	attached = true

	if err := ds.catalog.Refresh(ctx, db, dc.DSN); err != nil {
		ds.logger.Warn("catalog refresh failed", "database", name, "error", err)
	}
	ds.invalidatePermissions()
	ds.cache.InvalidateAll()
	ds.logger.Info("database attached", "database", name, "kind", db.Kind(), "mutable", db.IsMutable())
	return db, nil
}

// RemoveDatabase detaches and closes a database.
func (ds *Datasette) RemoveDatabase(ctx context.Context, name string) error {
	ds.mu.Lock()
	db, ok := ds.databases[name]
	if ok {
		delete(ds.databases, name)
		for i, n := range ds.order {
			if n == name {
				ds.order = append(ds.order[:i:i], ds.order[i+1:]...)
				break
			}
		}
	}
	ds.mu.Unlock()
	if !ok {
		return errs.NotFound("database %s", name)
	}
	if err := ds.catalog.Remove(ctx, name); err != nil {
		ds.logger.Warn("catalog remove failed", "database", name, "error", err)
	}
	ds.invalidatePermissions()
	ds.cache.InvalidateAll()
	return db.Close()
}

// Database returns an attached database. The internal database is reachable
// under its reserved name.
func (ds *Datasette) Database(name string) (*database.Database, error) {
	if name == database.InternalName {
		return ds.internal, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	db, ok := ds.databases[name]
	if !ok {
		return nil, errs.NotFound("database %s", name)
	}
	return db, nil
}

// Databases returns the attached databases in the order they were added.
func (ds *Datasette) Databases() []*database.Database {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]*database.Database, 0, len(ds.order))
	for _, name := range ds.order {
		out = append(out, ds.databases[name])
	}
	return out
}

func (ds *Datasette) onSchemaChange(ctx context.Context, db *database.Database) {
	path := ""
	if dc, ok := ds.Config().Databases[db.Name()]; ok {
		path = dc.DSN
	}
	if err := ds.catalog.Refresh(ctx, db, path); err != nil {
		ds.logger.Warn("catalog refresh after schema change failed", "database", db.Name(), "error", err)
	}
	ds.invalidatePermissions()
}

// DatabaseConfigForFile builds the config for a database file passed on
// the command line and the name it is served under.
func DatabaseConfigForFile(path string, immutable bool) (string, config.DatabaseConfig) {
	if path == ":memory:" {
		return "_memory", config.DatabaseConfig{DSN: path}
	}
	if kind := database.InferKind(path); kind != database.KindSQLite {
		// postgres://host/appdb?sslmode=disable is served as "appdb".
		name, _, _ := strings.Cut(path[strings.LastIndex(path, "/")+1:], "?")
		return name, config.DatabaseConfig{DSN: path, Type: string(kind), Immutable: immutable}
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return name, config.DatabaseConfig{DSN: path, Immutable: immutable}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
