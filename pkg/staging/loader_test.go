package staging

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbolake/kbolake/pkg/mapper"
	"github.com/kbolake/kbolake/pkg/schema"
)

func TestHeaderIndex(t *testing.T) {
	t.Parallel()

	// Column order in the file does not have to match the expected order.
	idx, err := headerIndex(
		[]string{"StartDate", "EnterpriseNumber", "EstablishmentNumber"},
		[]string{"EstablishmentNumber", "StartDate", "EnterpriseNumber"})
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 1}, idx)

	_, err = headerIndex([]string{"EnterpriseNumber"}, []string{"EnterpriseNumber", "Status"})
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestHeaderIndexRejectsUnknownColumns(t *testing.T) {
	t.Parallel()

	// A column the layout does not define fails staging; it is never dropped.
	_, err := headerIndex(
		[]string{"EnterpriseNumber", "Garbage", "Status"},
		[]string{"EnterpriseNumber", "Status"})
	require.ErrorIs(t, err, ErrHeaderMismatch)
	require.Contains(t, err.Error(), "Garbage")

	// Delete files carry the key column alone.
	_, err = headerIndex(
		[]string{"EnterpriseNumber", "Status"},
		[]string{"EnterpriseNumber"})
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

func writeRow(t *testing.T, write func(*csv.Writer, []string, int64) error, rec []string, seq int64) []string {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, write(w, rec, seq))
	w.Flush()
	require.NoError(t, w.Error())

	out, err := csv.NewReader(strings.NewReader(buf.String())).Read()
	require.NoError(t, err)
	return out
}

func TestDeleteRowWriter(t *testing.T) {
	t.Parallel()

	ent, _ := schema.TableByName("enterprises")
	write, err := deleteRowWriter("job_140_full", ent, []string{"EnterpriseNumber"})
	require.NoError(t, err)
	out := writeRow(t, write, []string{"0100.100.100"}, 3)
	require.Equal(t, []string{"job_140_full", "delete", "3", "0100.100.100"}, out)

	// Child-table delete files list owning entity numbers.
	den, _ := schema.TableByName("denominations")
	write, err = deleteRowWriter("job_141_update", den, []string{"EntityNumber"})
	require.NoError(t, err)
	out = writeRow(t, write, []string{"2.123.456.789"}, 1)
	require.Equal(t, []string{"job_141_update", "delete", "1", "2.123.456.789"}, out)
}

func TestInsertRowWriterDerivesColumns(t *testing.T) {
	t.Parallel()

	den, _ := schema.TableByName("denominations")
	write, err := insertRowWriter("job_140_full", den, den.CSVColumns)
	require.NoError(t, err)

	out := writeRow(t, write, []string{"0100.100.100", "2", "001", "ACME"}, 1)
	// job prefix, derived id and entity_type, then the source columns.
	require.Equal(t, "job_140_full", out[0])
	require.Equal(t, "insert", out[1])
	require.Equal(t, "1", out[2])
	require.Equal(t, mapper.DenominationID("0100.100.100", "001", "2", "ACME"), out[3])
	require.Equal(t, "enterprise", out[4])
	require.Equal(t, []string{"0100.100.100", "2", "001", "ACME"}, out[5:])
}

func TestInsertRowWriterNormalizesDates(t *testing.T) {
	t.Parallel()

	ent, _ := schema.TableByName("enterprises")
	write, err := insertRowWriter("job_140_full", ent, ent.CSVColumns)
	require.NoError(t, err)

	out := writeRow(t, write, []string{"0100.100.100", "AC", "000", "2", "014", "", "01-01-2000"}, 1)
	require.Equal(t, "2000-01-01", out[len(out)-1])
}

func TestInsertRowWriterEstablishmentEntityType(t *testing.T) {
	t.Parallel()

	den, _ := schema.TableByName("denominations")
	write, err := insertRowWriter("job_140_full", den, den.CSVColumns)
	require.NoError(t, err)

	out := writeRow(t, write, []string{"2.123.456.789", "2", "001", "Filiaal"}, 1)
	require.Equal(t, "establishment", out[4])
}

func TestCompositeIDCoversAllChildTables(t *testing.T) {
	t.Parallel()

	for _, tbl := range schema.Tables {
		if !tbl.HasCompositeID {
			continue
		}
		vals := make([]string, len(tbl.Columns))
		for i := range vals {
			vals[i] = "v"
		}
		id, err := compositeID(tbl, vals)
		require.NoError(t, err, tbl.Name)
		require.NotEmpty(t, id, tbl.Name)
	}

	ent, _ := schema.TableByName("enterprises")
	_, err := compositeID(ent, []string{"x"})
	require.Error(t, err)
}
