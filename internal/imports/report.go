package imports

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/repository"

	"github.com/xuri/excelize/v2"
)

const (
	reportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	reportSheet       = "Failures"
)

// ReportGenerator renders the rows a task could not import into a
// downloadable workbook.
type ReportGenerator struct {
	failures repository.RowFailureRepository
	tasks    repository.ImportTaskRepository
	storage  ReportStorage
}

func NewReportGenerator(failures repository.RowFailureRepository, tasks repository.ImportTaskRepository, storage ReportStorage) *ReportGenerator {
	return &ReportGenerator{failures: failures, tasks: tasks, storage: storage}
}

// Generate stores the report of task and returns the task carrying its
// reference. A task that already has a report is returned unchanged.
func (g *ReportGenerator) Generate(ctx context.Context, task domain.ImportTask) (domain.ImportTask, error) {
	if task.ErrorReportRef != nil {
		return task, nil
	}
	if task.FailureCount == 0 {
		return task, fmt.Errorf("%w: task %s has no failed rows", domain.ErrReportNotAvailable, task.ID)
	}

	failures, err := g.failures.ListByTask(ctx, task.ID)
	if err != nil {
		return task, fmt.Errorf("load failed rows: %w", err)
	}
	ref, err := g.storage.Save(ctx, reportFileName(task), func(w io.Writer) error {
		return renderReport(w, task.SourceHeaders, failures)
	})
	if err != nil {
		return task, err
	}
	return g.tasks.SetErrorReport(ctx, task.ID, ref)
}

func reportFileName(task domain.ImportTask) string {
	return fmt.Sprintf("%s-errors-%s.xlsx", sanitizeFileComponent(task.EntityKind), task.ID.String())
}

func renderReport(w io.Writer, headers []string, failures []domain.RowFailure) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(reportSheet)
	if err != nil {
		return err
	}
	if err := sw.SetColWidth(len(headers)+2, len(headers)+2, 60); err != nil {
		return err
	}

	header := make([]interface{}, 0, len(headers)+2)
	header = append(header, excelize.Cell{StyleID: bold, Value: "Row"})
	for _, name := range headers {
		header = append(header, excelize.Cell{StyleID: bold, Value: name})
	}
	header = append(header, excelize.Cell{StyleID: bold, Value: "Failure Reasons"})
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i, failure := range failures {
		row := make([]interface{}, 0, len(headers)+2)
		row = append(row, failure.RowIndex)
		for col := range headers {
			value := ""
			if col < len(failure.Values) {
				value = failure.Values[col]
			}
			row = append(row, value)
		}
		row = append(row, strings.Join(failure.Reasons, "; "))

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "import"
	}
	return result
}
