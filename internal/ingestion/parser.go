package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
)

var (
	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
	zipSignature  = []byte{'P', 'K', 0x03, 0x04}
)

// Format identifies the container of an uploaded spreadsheet.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
)

// Limits bounds what the parser accepts. Zero disables a limit.
type Limits struct {
	MaxFileBytes int64
	MaxRows      int
}

// Table is a parsed spreadsheet: header labels and data rows of equal width.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Parser turns uploaded bytes into a Table.
type Parser struct {
	limits Limits
}

// NewParser creates a parser enforcing limits.
func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits}
}

// Parse reads an upload. The format comes from the file extension, falling
// back to content sniffing when the extension is missing or generic.
func (p *Parser) Parse(fileName string, r io.Reader) (Table, error) {
	payload, err := p.readPayload(r)
	if err != nil {
		return Table{}, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Table{}, fmt.Errorf("%w: file is empty", domain.ErrFileFormat)
	}

	format, err := detectFormat(fileName, payload)
	if err != nil {
		return Table{}, err
	}

	switch format {
	case FormatXLSX:
		return p.parseExcel(payload)
	case FormatTSV:
		return p.parseDelimited(payload, '\t')
	default:
		return p.parseDelimited(payload, 0)
	}
}

func (p *Parser) readPayload(r io.Reader) ([]byte, error) {
	if p.limits.MaxFileBytes <= 0 {
		payload, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		return payload, nil
	}

	payload, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(payload)) > p.limits.MaxFileBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrSizeLimitExceeded, p.limits.MaxFileBytes)
	}
	return payload, nil
}

func detectFormat(fileName string, payload []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".tsv":
		return FormatTSV, nil
	case ".csv":
		return FormatCSV, nil
	case ".xls":
		return "", fmt.Errorf("%w: legacy .xls workbooks are not supported, save as .xlsx", domain.ErrFileFormat)
	case "", ".txt":
		if bytes.HasPrefix(payload, zipSignature) {
			return FormatXLSX, nil
		}
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: unsupported file extension %s", domain.ErrFileFormat, ext)
	}
}

func (p *Parser) parseExcel(payload []byte) (Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return Table{}, fmt.Errorf("%w: failed to open xlsx: %v", domain.ErrFileFormat, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, fmt.Errorf("%w: workbook has no sheets", domain.ErrFileFormat)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("%w: failed to read rows from xlsx: %v", domain.ErrFileFormat, err)
	}
	defer func() { _ = rows.Close() }()

	builder := newTableBuilder(p.limits.MaxRows, true)
	for rows.Next() {
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return Table{}, fmt.Errorf("%w: failed to read xlsx row: %v", domain.ErrFileFormat, err)
		}
		if err := builder.add(cols); err != nil {
			return Table{}, err
		}
	}
	if err := rows.Error(); err != nil {
		return Table{}, fmt.Errorf("%w: failed to iterate xlsx rows: %v", domain.ErrFileFormat, err)
	}
	return builder.table()
}

func (p *Parser) parseDelimited(payload []byte, delimiter rune) (Table, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)
	if !utf8.Valid(payload) {
		decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(payload)
		if err != nil {
			return Table{}, fmt.Errorf("%w: text is neither UTF-8 nor GB18030", domain.ErrFileFormat)
		}
		payload = decoded
	}
	if delimiter == 0 {
		delimiter = sniffDelimiter(payload)
	}

	reader := csv.NewReader(bufio.NewReader(bytes.NewReader(payload)))
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	builder := newTableBuilder(p.limits.MaxRows, false)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("%w: failed to read csv: %v", domain.ErrFileFormat, err)
		}
		if err := builder.add(record); err != nil {
			return Table{}, err
		}
	}
	return builder.table()
}

// sniffDelimiter picks the most frequent candidate separator on the first line.
func sniffDelimiter(payload []byte) rune {
	line := payload
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		line = payload[:idx]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, candidate := range []rune{';', '\t'} {
		if count := bytes.Count(line, []byte(string(candidate))); count > bestCount {
			best, bestCount = candidate, count
		}
	}
	return best
}

// tableBuilder accumulates rows while enforcing the header invariants and the
// row limit as rows stream in.
type tableBuilder struct {
	maxRows  int
	padShort bool
	line     int
	headers  []string
	rows     [][]string
}

func newTableBuilder(maxRows int, padShort bool) *tableBuilder {
	return &tableBuilder{maxRows: maxRows, padShort: padShort}
}

func (b *tableBuilder) add(record []string) error {
	b.line++
	if isBlankRow(record) {
		return nil
	}
	if b.headers == nil {
		headers, err := sanitizeHeaders(record, b.line)
		if err != nil {
			return err
		}
		b.headers = headers
		return nil
	}

	row, err := b.fitRow(record)
	if err != nil {
		return err
	}
	if b.maxRows > 0 && len(b.rows) >= b.maxRows {
		return fmt.Errorf("%w: file has more than %d data rows", domain.ErrSizeLimitExceeded, b.maxRows)
	}
	b.rows = append(b.rows, row)
	return nil
}

func (b *tableBuilder) fitRow(record []string) ([]string, error) {
	width := len(b.headers)
	if len(record) > width {
		if !isBlankRow(record[width:]) {
			return nil, fmt.Errorf("%w: ragged row at line %d has %d cells but the header has %d", domain.ErrFileFormat, b.line, len(record), width)
		}
		record = record[:width]
	}
	if len(record) < width {
		if !b.padShort {
			return nil, fmt.Errorf("%w: ragged row at line %d has %d cells but the header has %d", domain.ErrFileFormat, b.line, len(record), width)
		}
		return padRow(record, width), nil
	}
	out := make([]string, width)
	copy(out, record)
	return out, nil
}

func (b *tableBuilder) table() (Table, error) {
	if b.headers == nil {
		return Table{}, fmt.Errorf("%w: header row could not be detected", domain.ErrFileFormat)
	}
	rows := b.rows
	if rows == nil {
		rows = [][]string{}
	}
	return Table{Headers: b.headers, Rows: rows}, nil
}

func sanitizeHeaders(raw []string, line int) ([]string, error) {
	end := len(raw)
	for end > 0 && strings.TrimSpace(raw[end-1]) == "" {
		end--
	}

	headers := make([]string, end)
	seen := make(map[string]int, end)
	for idx := 0; idx < end; idx++ {
		name := strings.TrimSpace(strings.TrimPrefix(raw[idx], string(byteOrderMark)))
		if name == "" {
			return nil, fmt.Errorf("%w: header column %d on line %d is blank", domain.ErrFileFormat, idx+1, line)
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: header %q appears in columns %d and %d", domain.ErrFileFormat, name, prev+1, idx+1)
		}
		seen[name] = idx
		headers[idx] = name
	}
	return headers, nil
}

func padRow(row []string, length int) []string {
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
