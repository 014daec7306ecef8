// Package temporal builds SQL for reading the temporal tables: current
// state, or state as of a given extract reconstructed through the
// bookkeeping columns. Builders return parameterized SQL; every identifier
// is validated before interpolation.
package temporal

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter selects which version of the data a query sees.
type Filter interface {
	isFilter()
}

// Current selects only rows with _is_current = true.
type Current struct{}

func (Current) isFilter() {}

// PointInTime reconstructs the state as of the given extract: rows born at
// or before it and not yet retired, newest version per key.
type PointInTime struct {
	ExtractNumber int64
}

func (PointInTime) isFilter() {}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

func validIdents(ss ...string) error {
	for _, s := range ss {
		if err := validIdent(s); err != nil {
			return err
		}
	}
	return nil
}

// validOrderBy accepts comma-separated "column [ASC|DESC]" terms.
func validOrderBy(orderBy string) error {
	for _, term := range strings.Split(orderBy, ",") {
		fields := strings.Fields(term)
		if len(fields) == 0 || len(fields) > 2 {
			return fmt.Errorf("invalid order by term %q", term)
		}
		if err := validIdent(fields[0]); err != nil {
			return err
		}
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return fmt.Errorf("invalid order by direction %q", fields[1])
			}
		}
	}
	return nil
}

// ChildTableQuery builds a query for a child table's rows belonging to one
// entity, under the given filter. partitionKey is the table's natural key
// (the composite id). Returns parameterized SQL and its arguments.
func ChildTableQuery(table string, columns []string, entityNumber string, filter Filter, orderBy, partitionKey string) (string, []any, error) {
	if err := validIdents(append([]string{table, partitionKey}, columns...)...); err != nil {
		return "", nil, err
	}
	if orderBy != "" {
		if err := validOrderBy(orderBy); err != nil {
			return "", nil, err
		}
	}

	colList := strings.Join(columns, ", ")
	var sb strings.Builder
	var args []any

	switch f := filter.(type) {
	case Current:
		fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE entity_number = ? AND _is_current = true", colList, table)
		args = append(args, entityNumber)
	case PointInTime:
		fmt.Fprintf(&sb, `SELECT %s FROM (
	SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY _extract_number DESC, _snapshot_date DESC) rn
	FROM %s
	WHERE entity_number = ? AND _extract_number <= ? AND (_deleted_at_extract IS NULL OR _deleted_at_extract > ?)
) WHERE rn = 1`,
			colList, colList, partitionKey, table)
		args = append(args, entityNumber, f.ExtractNumber, f.ExtractNumber)
	default:
		return "", nil, fmt.Errorf("unknown filter %T", filter)
	}

	if orderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", orderBy)
	}
	return sb.String(), args, nil
}

// PointInTimeQuery builds a query over a natural-key table. where, when
// non-empty, is a parameterized predicate whose arguments the caller
// supplies via whereArgs; it may reference validated identifiers only.
func PointInTimeQuery(table string, columns []string, where string, whereArgs []any, filter Filter, partitionKey, orderBy string) (string, []any, error) {
	if err := validIdents(append([]string{table, partitionKey}, columns...)...); err != nil {
		return "", nil, err
	}
	if orderBy != "" {
		if err := validOrderBy(orderBy); err != nil {
			return "", nil, err
		}
	}

	colList := strings.Join(columns, ", ")
	cond := "1 = 1"
	if where != "" {
		cond = where
	}

	var sb strings.Builder
	args := append([]any{}, whereArgs...)

	switch f := filter.(type) {
	case Current:
		fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s AND _is_current = true", colList, table, cond)
	case PointInTime:
		fmt.Fprintf(&sb, `SELECT %s FROM (
	SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY _extract_number DESC, _snapshot_date DESC) rn
	FROM %s
	WHERE %s AND _extract_number <= ? AND (_deleted_at_extract IS NULL OR _deleted_at_extract > ?)
) WHERE rn = 1`,
			colList, colList, partitionKey, table, cond)
		args = append(args, f.ExtractNumber, f.ExtractNumber)
	default:
		return "", nil, fmt.Errorf("unknown filter %T", filter)
	}

	if orderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", orderBy)
	}
	return sb.String(), args, nil
}
