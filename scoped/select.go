package scoped

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Select runs a query built with squirrel after adding the predicate
// tenant_id = <bound tenant>. Unlike Execute, the filter is part of the
// statement by construction rather than checked textually. The builder
// should use the default "?" placeholders; they are rebound for the driver.
func (e *Executor) Select(ctx context.Context, b sq.SelectBuilder) ([]Row, error) {
	q, args, err := b.Where(sq.Eq{TenantParam: e.tc.TenantID()}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("scoped: build query: %w", err)
	}
	return e.run(ctx, e.db.Rebind(q), args)
}
