// Package migrations holds the goose SQL migrations for the PostgreSQL
// workflow store, catalog, and stock ledger.
package migrations

import "embed"

// FS contains every *.sql migration in version order.
//
//go:embed *.sql
var FS embed.FS
