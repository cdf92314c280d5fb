// Package sheets reads operator spreadsheets (CSV, TSV and XLSX, optionally
// gzip, zstd or xz compressed) into memory as named sheets of string rows.
package sheets

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
)

// CheckEvery is how many rows are read between cancellation checks.
const CheckEvery = 500

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoData            = errors.New("file contains no sheets with a header row")
)

// Format is the container format of an upload.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// Compression is an optional stream wrapper around the container.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gz"
	CompressionZstd Compression = "zst"
	CompressionXZ   Compression = "xz"
)

// Sheet is one table of rows. Every row has exactly len(Headers) cells.
type Sheet struct {
	Name    string     `json:"name"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"-"`
}

// Samples returns up to n non-blank cells per column, in header order.
func (s *Sheet) Samples(n int) [][]string {
	out := make([][]string, len(s.Headers))
	for col := range s.Headers {
		for _, row := range s.Rows {
			if len(out[col]) >= n {
				break
			}
			if v := row[col]; !convert.IsBlank(v) {
				out[col] = append(out[col], v)
			}
		}
	}
	return out
}

// Workbook is a parsed upload.
type Workbook struct {
	FileName string   `json:"fileName"`
	Format   Format   `json:"format"`
	Sheets   []*Sheet `json:"sheets"`
}

// Sheet returns the named sheet.
func (w *Workbook) Sheet(name string) (*Sheet, bool) {
	for _, s := range w.Sheets {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// TotalRows counts data rows across sheets.
func (w *Workbook) TotalRows() int {
	n := 0
	for _, s := range w.Sheets {
		n += len(s.Rows)
	}
	return n
}

// Options tune Parse.
type Options struct {
	// Checkpoint is called before each sheet and every CheckEvery rows.
	// A non-nil error aborts parsing and is returned as is.
	Checkpoint func() error

	// Progress receives the parsed fraction of the file in [0, 1].
	Progress func(fraction float64)

	// Size is the compressed input size, used for progress of text formats.
	Size int64
}

func (o Options) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Checkpoint != nil {
		return o.Checkpoint()
	}
	return nil
}

func (o Options) progress(f float64) {
	if o.Progress != nil {
		o.Progress(f)
	}
}

// DetectFormat derives format and compression from a file name such as
// "payments.csv.gz".
func DetectFormat(name string) (Format, Compression, error) {
	lower := strings.ToLower(filepath.Base(name))

	comp := CompressionNone
	for _, c := range []Compression{CompressionGzip, CompressionZstd, CompressionXZ} {
		if strings.HasSuffix(lower, "."+string(c)) {
			comp = c
			lower = strings.TrimSuffix(lower, "."+string(c))
			break
		}
	}
	if comp == CompressionNone && strings.HasSuffix(lower, ".zstd") {
		comp = CompressionZstd
		lower = strings.TrimSuffix(lower, ".zstd")
	}

	switch filepath.Ext(lower) {
	case ".csv", ".txt":
		return FormatCSV, comp, nil
	case ".tsv", ".tab":
		return FormatTSV, comp, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, comp, nil
	default:
		return "", comp, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(name))
	}
}

// baseName is the file name without directory, compression and format
// extensions. Delimited files have one sheet named after it.
func baseName(name string) string {
	base := filepath.Base(name)
	for {
		ext := filepath.Ext(base)
		if ext == "" || ext == base {
			return base
		}
		switch strings.ToLower(ext) {
		case ".gz", ".zst", ".zstd", ".xz", ".csv", ".txt", ".tsv", ".tab", ".xlsx", ".xlsm":
			base = strings.TrimSuffix(base, ext)
		default:
			return base
		}
	}
}

// ParseFile opens and parses the file at path.
func ParseFile(ctx context.Context, path string, opts Options) (*Workbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if opts.Size == 0 {
		if st, err := f.Stat(); err == nil {
			opts.Size = st.Size()
		}
	}
	return Parse(ctx, filepath.Base(path), f, opts)
}

// Parse reads the whole upload into memory.
func Parse(ctx context.Context, name string, r io.Reader, opts Options) (*Workbook, error) {
	format, comp, err := DetectFormat(name)
	if err != nil {
		return nil, err
	}

	counter := NewCountingReader(r, opts.Size)
	dr, closeFn, err := decompress(counter, comp)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	wb := &Workbook{FileName: name, Format: format}
	switch format {
	case FormatCSV, FormatTSV:
		delim := ','
		if format == FormatTSV {
			delim = '\t'
		}
		sheet, err := parseDelimited(ctx, baseName(name), dr, delim, counter, opts)
		if err != nil {
			return nil, err
		}
		if sheet != nil {
			wb.Sheets = append(wb.Sheets, sheet)
		}
	case FormatXLSX:
		if wb.Sheets, err = parseXLSX(ctx, dr, opts); err != nil {
			return nil, err
		}
	}

	if len(wb.Sheets) == 0 {
		return nil, ErrNoData
	}
	opts.progress(1)
	return wb, nil
}

func decompress(r io.Reader, comp Compression) (io.Reader, func(), error) {
	switch comp {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open xz stream: %w", err)
		}
		return xr, func() {}, nil
	default:
		return r, func() {}, nil
	}
}

func parseDelimited(ctx context.Context, name string, r io.Reader, delim rune, counter *CountingReader, opts Options) (*Sheet, error) {
	if err := opts.check(ctx); err != nil {
		return nil, err
	}

	cr := csv.NewReader(cleanText(r))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	b := newSheetBuilder(name)
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", name, n, err)
		}
		b.add(rec)

		if n%CheckEvery == 0 {
			if err := opts.check(ctx); err != nil {
				return nil, err
			}
			opts.progress(counter.Fraction())
		}
	}
	return b.sheet(), nil
}

func parseXLSX(ctx context.Context, r io.Reader, opts Options) ([]*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	names := f.GetSheetList()
	var out []*Sheet
	for i, name := range names {
		if err := opts.check(ctx); err != nil {
			return nil, err
		}

		sheet, err := parseWorksheet(ctx, f, name, opts)
		if err != nil {
			return nil, err
		}
		if sheet != nil {
			out = append(out, sheet)
		}
		opts.progress(float64(i+1) / float64(len(names)))
	}
	return out, nil
}

func parseWorksheet(ctx context.Context, f *excelize.File, name string, opts Options) (*Sheet, error) {
	rows, err := f.Rows(name)
	if err != nil {
		return nil, fmt.Errorf("open sheet %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	b := newSheetBuilder(name)
	for n := 1; rows.Next(); n++ {
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read sheet %q row %d: %w", name, n, err)
		}
		for i, c := range cells {
			cells[i] = strings.ToValidUTF8(c, "?")
		}
		b.add(cells)

		if n%CheckEvery == 0 {
			if err := opts.check(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	return b.sheet(), nil
}

// sheetBuilder takes the first non-empty row as the header and normalizes
// the rest to its width.
type sheetBuilder struct {
	name    string
	headers []string
	rows    [][]string
}

func newSheetBuilder(name string) *sheetBuilder {
	return &sheetBuilder{name: name}
}

func (b *sheetBuilder) add(rec []string) {
	if isEmptyRow(rec) {
		return
	}
	if b.headers == nil {
		b.headers = cleanHeaders(rec)
		return
	}

	row := make([]string, len(b.headers))
	for i := range row {
		if i < len(rec) {
			row[i] = strings.TrimSpace(rec[i])
		}
	}
	b.rows = append(b.rows, row)
}

func (b *sheetBuilder) sheet() *Sheet {
	if b.headers == nil {
		return nil
	}
	return &Sheet{Name: b.name, Headers: b.headers, Rows: b.rows}
}

// cleanHeaders trims headers, drops trailing blank columns and suffixes
// repeated names with the first free " (N)", N from 2. Names compare case
// insensitively and a suffix never takes a name present in the header row.
func cleanHeaders(rec []string) []string {
	end := len(rec)
	for end > 0 && strings.TrimSpace(rec[end-1]) == "" {
		end--
	}

	out := make([]string, end)
	taken := make(map[string]bool, end)
	for i := 0; i < end; i++ {
		h := convert.CleanCell(rec[i])
		if !utf8.ValidString(h) {
			h = strings.ToValidUTF8(h, "?")
		}
		out[i] = h
		if h != "" {
			taken[strings.ToLower(h)] = true
		}
	}

	emitted := make(map[string]bool, end)
	for i, h := range out {
		if h == "" {
			continue
		}
		if emitted[strings.ToLower(h)] {
			for n := 2; ; n++ {
				candidate := h + " (" + strconv.Itoa(n) + ")"
				if !taken[strings.ToLower(candidate)] {
					h = candidate
					break
				}
			}
			taken[strings.ToLower(h)] = true
			out[i] = h
		}
		emitted[strings.ToLower(h)] = true
	}
	return out
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
