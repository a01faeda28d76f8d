package postgres

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// listQuery appends the time range, ordering and pagination of opts to
// base. rangeCol is filtered by Since/Until; orderCol sorts descending.
func listQuery(base, rangeCol, orderCol string, opts domain.ListOpts) (string, []any) {
	query := base + " WHERE 1=1"
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", rangeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", rangeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY %s DESC", orderCol)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
