package archive

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/kbolake/kbolake/pkg/mapper"
)

// ErrMetadataInvalid marks a meta.csv that is missing, malformed, or carries
// out-of-range values.
var ErrMetadataInvalid = errors.New("archive metadata invalid")

var isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// normalizeTimestamp rewrites the date part of a "DD-MM-YYYY HH:MM:SS"
// export timestamp to ISO form; anything else passes through.
func normalizeTimestamp(ts string) string {
	datePart, timePart, ok := strings.Cut(ts, " ")
	if !ok {
		return ts
	}
	return mapper.ToISODate(datePart) + " " + timePart
}

// ExtractType distinguishes the monthly full snapshot from the daily
// incremental update.
type ExtractType string

const (
	ExtractTypeFull   ExtractType = "full"
	ExtractTypeUpdate ExtractType = "update"
)

// MetadataEntryName is the archive entry carrying extract metadata.
const MetadataEntryName = "meta.csv"

// Metadata describes one extract, parsed from meta.csv.
type Metadata struct {
	// SnapshotDate is the extract's calendar date, normalized to YYYY-MM-DD.
	SnapshotDate string
	// ExtractTimestamp is the export timestamp as shipped, or empty.
	ExtractTimestamp string
	// ExtractType is full or update.
	ExtractType ExtractType
	// ExtractNumber is the monotonically increasing extract identifier.
	ExtractNumber int64
	// Version is the source format version, or empty.
	Version string
}

// ReadMetadata parses meta.csv from the archive. The file is a two-column
// Variable/Value table.
func ReadMetadata(a *Archive) (*Metadata, error) {
	f, err := a.OpenCSV(MetadataEntryName)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, fmt.Errorf("%w: %s missing", ErrMetadataInvalid, MetadataEntryName)
		}
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	// The header row itself may be a Variable/Value pair in exports that ship
	// without a header.
	if len(f.Header) >= 2 && !strings.EqualFold(f.Header[0], "Variable") {
		values[f.Header[0]] = f.Header[1]
	}
	for {
		rec, err := f.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
		}
		if len(rec) < 2 {
			continue
		}
		values[strings.TrimSpace(rec[0])] = strings.TrimSpace(rec[1])
	}

	m := &Metadata{
		SnapshotDate:     mapper.ToISODate(values["SnapshotDate"]),
		ExtractTimestamp: normalizeTimestamp(values["ExtractTimestamp"]),
		Version:          values["Version"],
	}

	switch strings.ToLower(values["ExtractType"]) {
	case "full":
		m.ExtractType = ExtractTypeFull
	case "update":
		m.ExtractType = ExtractTypeUpdate
	default:
		return nil, fmt.Errorf("%w: unknown ExtractType %q", ErrMetadataInvalid, values["ExtractType"])
	}

	n, err := strconv.ParseInt(values["ExtractNumber"], 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: bad ExtractNumber %q", ErrMetadataInvalid, values["ExtractNumber"])
	}
	m.ExtractNumber = n

	if !isoDateRe.MatchString(m.SnapshotDate) {
		return nil, fmt.Errorf("%w: bad SnapshotDate %q", ErrMetadataInvalid, values["SnapshotDate"])
	}

	return m, nil
}
