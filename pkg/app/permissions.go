package app

import (
	"context"
	"fmt"

	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

// Allowed reports whether actor may perform action on resource. Anything but
// an explicit allow is false; errors are returned with a false result.
func (ds *Datasette) Allowed(ctx context.Context, actor web.Actor, action string, resource permissions.Resource) (bool, error) {
	d, err := ds.checker.Resolve(ctx, actor, action, resource)
	if err != nil {
		ds.logger.Error("permission check failed", "action", action, "resource", resource.String(), "error", err)
		return false, err
	}
	return d.Allowed(), nil
}

// AllowedMany checks one action against many resources in one batch.
func (ds *Datasette) AllowedMany(ctx context.Context, actor web.Actor, action string, resources []permissions.Resource) ([]bool, error) {
	decisions, err := ds.checker.ResolveMany(ctx, actor, action, resources)
	out := make([]bool, len(decisions))
	for i, d := range decisions {
		out[i] = d.Allowed()
	}
	return out, err
}

// Check returns the full decision, for debugging tools.
func (ds *Datasette) Check(ctx context.Context, actor web.Actor, action string, resource permissions.Resource) (permissions.Decision, error) {
	return ds.checker.Resolve(ctx, actor, action, resource)
}

// EnsurePermission returns a ForbiddenError unless actor may perform action
// on resource.
func (ds *Datasette) EnsurePermission(ctx context.Context, actor web.Actor, action string, resource permissions.Resource) error {
	ok, err := ds.Allowed(ctx, actor, action, resource)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.ForbiddenError{Message: fmt.Sprintf("%s denied on %s", action, resource)}
	}
	return nil
}

type permissionCheck struct {
	action   string
	resource permissions.Resource
}

// ensureAll checks in order and stops at the first refusal.
func (ds *Datasette) ensureAll(ctx context.Context, actor web.Actor, checks ...permissionCheck) error {
	for _, c := range checks {
		if err := ds.EnsurePermission(ctx, actor, c.action, c.resource); err != nil {
			return err
		}
	}
	return nil
}

// EnsureVisible checks the view permissions leading down to a database or a
// table: view-instance, then view-database, then view-table.
func (ds *Datasette) EnsureVisible(ctx context.Context, actor web.Actor, db, table string) error {
	checks := []permissionCheck{{permissions.ViewInstance, permissions.Global()}}
	if db != "" {
		checks = append(checks, permissionCheck{permissions.ViewDatabase, permissions.Database(db)})
	}
	if table != "" {
		checks = append(checks, permissionCheck{permissions.ViewTable, permissions.Table(db, table)})
	}
	return ds.ensureAll(ctx, actor, checks...)
}
