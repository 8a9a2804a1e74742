package mapping

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	exportSheet   = "Mappings"
	exportPerPage = 200
)

var exportHeader = []string{"Category ID", "Category", "Course", "Lesson", "Topic", "Step link"}

// Export writes every category matching q to w as an XLSX workbook. The
// Page field of q is ignored. Stale references are shown corrected but not
// written back.
func (s *Service) Export(ctx context.Context, q Query, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}

	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = excelize.Cell{StyleID: bold, Value: h}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	line := 2
	for page := 1; ; page++ {
		q.Page = page
		listing, _, err := s.page(ctx, q, exportPerPage)
		if err != nil {
			return err
		}
		for _, r := range listing.Rows {
			cell, err := excelize.CoordinatesToCellName(1, line)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := sw.SetRow(cell, []any{
				r.CategoryID,
				r.Category,
				r.CourseTitle,
				r.LessonTitle,
				r.TopicTitle,
				r.StepLink,
			}); err != nil {
				return fmt.Errorf("write row %d: %w", line, err)
			}
			line++
		}
		if page >= listing.TotalPages {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
