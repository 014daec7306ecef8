// Package archive reads registry extract archives: ZIP files holding one CSV
// per table plus a meta.csv describing the extract. Archives are held in
// memory; monthly full extracts compress well and the update archives are
// small.
package archive

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrArchiveInvalid marks an archive that cannot be opened or is missing
	// required entries.
	ErrArchiveInvalid = errors.New("archive invalid")

	// ErrEntryNotFound marks a CSV entry absent from the archive.
	ErrEntryNotFound = errors.New("entry not found in archive")
)

// Archive is an open extract archive.
type Archive struct {
	entries map[string]*zip.File
	names   []string
}

// Open opens a ZIP archive from its raw bytes. Entry names are matched on
// the base name, case-insensitively, so nested layouts and KboOpenData
// casing variants both resolve.
func Open(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}

	a := &Archive{entries: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(baseName(f.Name))
		a.entries[name] = f
		a.names = append(a.names, name)
	}
	return a, nil
}

func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Names lists the entry base names in archive order.
func (a *Archive) Names() []string {
	return a.names
}

// Has reports whether the archive contains the named entry.
func (a *Archive) Has(name string) bool {
	_, ok := a.entries[strings.ToLower(name)]
	return ok
}

// Entry opens the named CSV entry for reading.
func (a *Archive) Entry(name string) (io.ReadCloser, error) {
	f, ok := a.entries[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", name, err)
	}
	return rc, nil
}

// CSVFile reads one CSV entry record by record. The header row is consumed
// on open.
type CSVFile struct {
	// Header is the first row of the file, BOM stripped.
	Header []string

	r  *csv.Reader
	rc io.ReadCloser
}

// OpenCSV opens the named entry as a CSV file and reads its header.
func (a *Archive) OpenCSV(name string) (*CSVFile, error) {
	rc, err := a.Entry(name)
	if err != nil {
		return nil, err
	}
	f, err := newCSVFile(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveInvalid, name, err)
	}
	return f, nil
}

func newCSVFile(rc io.ReadCloser) (*CSVFile, error) {
	r := csv.NewReader(&bomStripper{r: rc})
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make([]string, len(header))
	copy(cols, header)

	return &CSVFile{Header: cols, r: r, rc: rc}, nil
}

// Read returns the next record, or io.EOF. The returned slice is reused
// between calls; callers copy what they keep.
func (f *CSVFile) Read() ([]string, error) {
	return f.r.Read()
}

// Close closes the underlying entry reader.
func (f *CSVFile) Close() error {
	return f.rc.Close()
}

// bomStripper removes a UTF-8 byte order mark from the start of the stream.
// The registry exports its CSVs with one.
type bomStripper struct {
	r       io.Reader
	started bool
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (b *bomStripper) Read(p []byte) (int, error) {
	if !b.started {
		b.started = true
		head := make([]byte, 3)
		n, err := io.ReadFull(b.r, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, err
		}
		head = head[:n]
		if !bytes.Equal(head, utf8BOM) {
			b.r = io.MultiReader(bytes.NewReader(head), b.r)
		}
	}
	return b.r.Read(p)
}
