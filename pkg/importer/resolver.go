package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kbolake/kbolake/pkg/duck"
)

// Denomination preference: legal names (type 001) before commercial, then
// Dutch > French > unknown > German > English, then the newest extract.
const denominationRanking = `
	CASE WHEN type_of_denomination = '001' THEN 0 ELSE 1 END,
	CASE language WHEN '2' THEN 0 WHEN '1' THEN 1 WHEN '0' THEN 2 WHEN '3' THEN 3 WHEN '4' THEN 4 ELSE 5 END,
	_extract_number DESC`

// resolveNames propagates preferred denominations onto the enterprises this
// extract inserted. Only rows still carrying the enterprise-number
// placeholder are touched; enterprises untouched by the extract keep their
// denormalized names, so a denominations-only extract can leave them one
// cycle behind.
func resolveNames(ctx context.Context, log *slog.Logger, conn duck.Connection, extractNumber int64) (int64, error) {
	stmt := fmt.Sprintf(`UPDATE enterprises SET
			primary_name = d.denomination,
			primary_name_language = d.language,
			primary_name_nl = d.name_nl,
			primary_name_fr = d.name_fr,
			primary_name_de = d.name_de
		FROM (
			SELECT r.entity_number, r.denomination, r.language, l.name_nl, l.name_fr, l.name_de
			FROM (
				SELECT entity_number, denomination, language,
					ROW_NUMBER() OVER (PARTITION BY entity_number ORDER BY %s) rn
				FROM denominations
				WHERE _is_current = true AND entity_type = 'enterprise'
			) r
			JOIN (
				SELECT entity_number,
					MAX(CASE WHEN language = '2' AND lrn = 1 THEN denomination END) AS name_nl,
					MAX(CASE WHEN language = '1' AND lrn = 1 THEN denomination END) AS name_fr,
					MAX(CASE WHEN language = '3' AND lrn = 1 THEN denomination END) AS name_de
				FROM (
					SELECT entity_number, language, denomination,
						ROW_NUMBER() OVER (PARTITION BY entity_number, language ORDER BY %s) lrn
					FROM denominations
					WHERE _is_current = true AND entity_type = 'enterprise'
				)
				GROUP BY entity_number
			) l ON l.entity_number = r.entity_number
			WHERE r.rn = 1
		) d
		WHERE enterprises.enterprise_number = d.entity_number
			AND enterprises._is_current = true
			AND enterprises._extract_number = ?
			AND enterprises.primary_name = enterprises.enterprise_number`,
		denominationRanking, denominationRanking)

	var resolved int64
	err := duck.Retry(ctx, log, "resolve primary names", func() error {
		res, err := conn.ExecContext(ctx, stmt, extractNumber)
		if err != nil {
			return err
		}
		resolved, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve primary names: %w", err)
	}

	log.Info("primary names resolved", "extract_number", extractNumber, "rows", resolved)
	return resolved, nil
}
