package temporal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChildTableQueryCurrent(t *testing.T) {
	t.Parallel()

	sql, args, err := ChildTableQuery("denominations",
		[]string{"id", "denomination", "language"},
		"0100.100.100", Current{}, "language", "id")
	require.NoError(t, err)
	require.Equal(t, []any{"0100.100.100"}, args)
	require.Contains(t, sql, "FROM denominations")
	require.Contains(t, sql, "_is_current = true")
	require.Contains(t, sql, "ORDER BY language")
	require.NotContains(t, sql, "ROW_NUMBER")
}

func TestChildTableQueryPointInTime(t *testing.T) {
	t.Parallel()

	sql, args, err := ChildTableQuery("addresses",
		[]string{"id", "street_nl", "zipcode"},
		"0100.100.100", PointInTime{ExtractNumber: 141}, "", "id")
	require.NoError(t, err)
	require.Equal(t, []any{"0100.100.100", int64(141), int64(141)}, args)
	require.Contains(t, sql, "_extract_number <= ?")
	require.Contains(t, sql, "_deleted_at_extract IS NULL OR _deleted_at_extract > ?")
	require.Contains(t, sql, "PARTITION BY id ORDER BY _extract_number DESC, _snapshot_date DESC")
	require.Contains(t, sql, "WHERE rn = 1")
}

func TestPointInTimeQuery(t *testing.T) {
	t.Parallel()

	sql, args, err := PointInTimeQuery("enterprises",
		[]string{"enterprise_number", "status", "primary_name"},
		"enterprise_number = ?", []any{"0100.100.100"},
		PointInTime{ExtractNumber: 140}, "enterprise_number", "enterprise_number")
	require.NoError(t, err)
	require.Equal(t, []any{"0100.100.100", int64(140), int64(140)}, args)
	require.Contains(t, sql, "PARTITION BY enterprise_number")
	require.Contains(t, sql, "ORDER BY enterprise_number")

	sql, args, err = PointInTimeQuery("enterprises",
		[]string{"enterprise_number"}, "", nil, Current{}, "enterprise_number", "")
	require.NoError(t, err)
	require.Empty(t, args)
	require.Contains(t, sql, "1 = 1 AND _is_current = true")
}

func TestIdentifierValidation(t *testing.T) {
	t.Parallel()

	_, _, err := ChildTableQuery("denominations; DROP TABLE enterprises",
		[]string{"id"}, "x", Current{}, "", "id")
	require.Error(t, err)

	_, _, err = ChildTableQuery("denominations",
		[]string{"id, secret"}, "x", Current{}, "", "id")
	require.Error(t, err)

	_, _, err = ChildTableQuery("denominations",
		[]string{"id"}, "x", Current{}, "language; --", "id")
	require.Error(t, err)

	_, _, err = ChildTableQuery("denominations",
		[]string{"id"}, "x", Current{}, "language DESCENDING", "id")
	require.Error(t, err)

	_, _, err = ChildTableQuery("denominations",
		[]string{"id"}, "x", Current{}, "language DESC, id ASC", "id")
	require.NoError(t, err)
}
