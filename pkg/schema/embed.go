package schema

import "embed"

// MigrationsFS embeds the SQL migration files creating the warehouse schema.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
