package ingestion

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestParserReadsCSVWithBOM(t *testing.T) {
	data := "\ufeff客户名称,客户类型,邮箱\n华为,企业,a@huawei.com\n,个人,b@example.com\n\n"
	table, err := NewParser(Limits{}).Parse("customers.csv", strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got := strings.Join(table.Headers, "|"); got != "客户名称|客户类型|邮箱" {
		t.Fatalf("unexpected headers: %s", got)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 data rows, got %d", len(table.Rows))
	}
	if table.Rows[1][0] != "" || table.Rows[1][1] != "个人" {
		t.Fatalf("unexpected second row: %v", table.Rows[1])
	}
}

func TestParserReadsWorkbook(t *testing.T) {
	payload := buildWorkbook(t, [][]any{
		{"产品名称", "HS编码", "单价"},
		{"螺栓", "731815", 1.25},
		{"螺母"},
	})

	table, err := NewParser(Limits{}).Parse("products.xlsx", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if len(table.Headers) != 3 || len(table.Rows) != 2 {
		t.Fatalf("unexpected table shape: %+v", table)
	}
	for i, row := range table.Rows {
		if len(row) != len(table.Headers) {
			t.Fatalf("row %d width %d does not match header width %d", i, len(row), len(table.Headers))
		}
	}
	if table.Rows[1][0] != "螺母" || table.Rows[1][2] != "" {
		t.Fatalf("expected short workbook row to be padded, got %v", table.Rows[1])
	}
}

func TestParserSniffsWorkbookWithoutExtension(t *testing.T) {
	payload := buildWorkbook(t, [][]any{{"name"}, {"a"}})
	table, err := NewParser(Limits{}).Parse("upload", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(table.Rows))
	}
}

func TestParserRejectsStructuralProblems(t *testing.T) {
	cases := map[string]struct {
		name string
		data string
	}{
		"ragged row":       {"a.csv", "a,b\n1,2,3\n"},
		"short row":        {"a.csv", "a,b,c\n1,2\n"},
		"duplicate header": {"a.csv", "name,name\n1,2\n"},
		"blank header":     {"a.csv", "name,,email\n1,2,3\n"},
		"empty file":       {"a.csv", "   \n"},
		"legacy workbook":  {"a.xls", "whatever"},
		"unknown format":   {"a.pdf", "%PDF-1.4"},
		"corrupt workbook": {"a.xlsx", "PK\x03\x04garbage"},
		"unbalanced quote": {"a.csv", "a,b\n\"1,2\n"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewParser(Limits{}).Parse(tc.name, strings.NewReader(tc.data))
			if !errors.Is(err, domain.ErrFileFormat) {
				t.Fatalf("expected ErrFileFormat, got %v", err)
			}
		})
	}
}

func TestParserTrimsBlankTrailingCells(t *testing.T) {
	table, err := NewParser(Limits{}).Parse("a.csv", strings.NewReader("a,b,\n1,2,\n3,4\n"))
	if err != nil {
		t.Fatalf("expected trailing blank cells to be trimmed, got %v", err)
	}
	if len(table.Headers) != 2 || len(table.Rows) != 2 {
		t.Fatalf("unexpected table shape: %+v", table)
	}
}

func TestParserEnforcesLimits(t *testing.T) {
	data := "name\n" + strings.Repeat("x\n", 11)

	_, err := NewParser(Limits{MaxRows: 10}).Parse("a.csv", strings.NewReader(data))
	if !errors.Is(err, domain.ErrSizeLimitExceeded) {
		t.Fatalf("expected row limit error, got %v", err)
	}

	_, err = NewParser(Limits{MaxFileBytes: 8}).Parse("a.csv", strings.NewReader(data))
	if !errors.Is(err, domain.ErrSizeLimitExceeded) {
		t.Fatalf("expected byte limit error, got %v", err)
	}

	if _, err := NewParser(Limits{MaxRows: 11, MaxFileBytes: 1 << 20}).Parse("a.csv", strings.NewReader(data)); err != nil {
		t.Fatalf("expected file at the limit to parse, got %v", err)
	}
}

func TestParserDecodesGB18030AndSemicolons(t *testing.T) {
	encoded, err := simplifiedchinese.GB18030.NewEncoder().String("客户名称;邮箱\n华为;a@huawei.com\n")
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	table, err := NewParser(Limits{}).Parse("customers.csv", strings.NewReader(encoded))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if table.Headers[0] != "客户名称" || table.Rows[0][1] != "a@huawei.com" {
		t.Fatalf("unexpected table: %+v", table)
	}
}
