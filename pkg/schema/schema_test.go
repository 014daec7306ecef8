package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableRegistry(t *testing.T) {
	t.Parallel()

	require.Len(t, Tables, 7)

	// Processing order is the dependency order batches are applied in.
	var names []string
	for _, tbl := range Tables {
		names = append(names, tbl.Name)
	}
	require.Equal(t, []string{
		"enterprises", "establishments", "denominations",
		"addresses", "activities", "contacts", "branches",
	}, names)

	for _, tbl := range Tables {
		require.Len(t, tbl.Columns, len(tbl.CSVColumns), tbl.Name)
		require.NotEmpty(t, tbl.NaturalKey, tbl.Name)
		require.NotEmpty(t, tbl.DeleteKey, tbl.Name)
	}
}

func TestStagingColumns(t *testing.T) {
	t.Parallel()

	ent, ok := TableByName("enterprises")
	require.True(t, ok)
	require.Equal(t, "staging_enterprises", ent.StagingName())
	require.Equal(t,
		[]string{"job_id", "operation", "row_sequence", "enterprise_number", "status",
			"juridical_situation", "type_of_enterprise", "juridical_form", "juridical_form_cac", "start_date"},
		ent.StagingColumns())

	den, ok := TableByCSVName("denomination")
	require.True(t, ok)
	require.Equal(t, "denominations", den.Name)
	require.Equal(t, []string{"id", "entity_type", "entity_number", "language", "type_of_denomination", "denomination"},
		den.DataColumns())
	require.Equal(t, "entity_number", den.DeleteKey)

	_, ok = TableByName("codes")
	require.False(t, ok)
}

func TestSplitSQLStatements(t *testing.T) {
	t.Parallel()

	content := `-- leading comment
CREATE TABLE a (
    x VARCHAR
);

-- another comment
CREATE TABLE b (y BIGINT);
SELECT 1`

	statements := splitSQLStatements(content)
	require.Len(t, statements, 3)
	require.True(t, strings.HasPrefix(statements[0], "CREATE TABLE a"))
	require.True(t, strings.HasPrefix(statements[1], "CREATE TABLE b"))
	require.Equal(t, "SELECT 1", statements[2])
}

func TestMigrationsCoverAllTables(t *testing.T) {
	t.Parallel()

	entries, err := MigrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var all strings.Builder
	for _, e := range entries {
		content, err := MigrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		all.Write(content)
	}
	ddl := all.String()

	for _, tbl := range Tables {
		require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+tbl.Name, tbl.Name)
		require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+tbl.StagingName(), tbl.StagingName())
	}
	for _, name := range []string{"codes", "nace_codes", "import_jobs", "import_batches"} {
		require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+name)
	}
}
