package document

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

// actionLogFile is the read-only sheet holding the change history
const actionLogFile = "action-log.csv"

// sheetHeader is the column layout of every category sheet
var sheetHeader = []string{
	"identity", "target", "scope", "name",
	"status", "detail", "indicator",
	"review_status", "justification", "notes",
}

var actionLogHeader = []string{
	"run", "detected_at", "kind", "target", "scope", "name",
	"change", "status", "detail", "justification",
}

// CSVWorkbook reads and writes the workbook as one CSV file per entity kind
// inside a directory, plus the action log sheet. Writes go through a temp
// file and a rename so an interrupted regeneration never truncates a sheet
type CSVWorkbook struct {
	dir string
	log *logger.Logger
}

// NewCSVWorkbook creates a workbook codec rooted at dir
func NewCSVWorkbook(dir string, log *logger.Logger) *CSVWorkbook {
	return &CSVWorkbook{dir: dir, log: log}
}

// SheetPath returns the file backing one kind's sheet
func (c *CSVWorkbook) SheetPath(kind entity.Kind) string {
	return filepath.Join(c.dir, kind.String()+".csv")
}

// Read loads every category sheet. Missing files read as empty sheets, a
// missing directory reads as an empty workbook
func (c *CSVWorkbook) Read(ctx context.Context) (*Workbook, error) {
	wb := &Workbook{}
	for _, kind := range entity.Kinds() {
		sheet, err := c.readSheet(kind)
		if err != nil {
			return nil, err
		}
		wb.Sheets = append(wb.Sheets, *sheet)
	}
	return wb, nil
}

func (c *CSVWorkbook) readSheet(kind entity.Kind) (*Sheet, error) {
	sheet := &Sheet{Kind: kind}

	f, err := os.Open(c.SheetPath(kind))
	if os.IsNotExist(err) {
		return sheet, nil
	}
	if err != nil {
		return nil, errors.AnnotationParse(fmt.Sprintf("opening sheet %s", kind), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // rows may be ragged after hand edits

	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.AnnotationParse(fmt.Sprintf("parsing sheet %s", kind), err)
	}
	if len(records) == 0 {
		return sheet, nil
	}

	columns, err := headerIndex(kind, records[0])
	if err != nil {
		return nil, err
	}

	for _, record := range records[1:] {
		if blankRecord(record) {
			continue
		}
		row := Row{
			Kind:          kind,
			Identity:      field(record, columns, "identity"),
			Target:        field(record, columns, "target"),
			Scope:         field(record, columns, "scope"),
			Name:          field(record, columns, "name"),
			Status:        finding.Status(field(record, columns, "status")),
			Detail:        field(record, columns, "detail"),
			Indicator:     field(record, columns, "indicator"),
			ReviewStatus:  field(record, columns, "review_status"),
			Justification: field(record, columns, "justification"),
			Notes:         field(record, columns, "notes"),
		}
		sheet.Rows = append(sheet.Rows, row)
	}

	return sheet, nil
}

// headerIndex maps column names onto positions. Reviewers reorder and drop
// columns; only the naming columns are mandatory
func headerIndex(kind entity.Kind, header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"target", "name"} {
		if _, ok := columns[required]; !ok {
			return nil, errors.AnnotationParse(
				fmt.Sprintf("sheet %s has no %q column", kind, required), nil)
		}
	}
	return columns, nil
}

func field(record []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Write regenerates every category sheet and the action log sheet
func (c *CSVWorkbook) Write(ctx context.Context, wb *Workbook, entries []actionlog.Entry) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Internal("creating workbook directory", err)
	}

	for _, sheet := range wb.Sheets {
		records := [][]string{sheetHeader}
		for _, row := range sheet.Rows {
			records = append(records, []string{
				row.Identity, row.Target, row.Scope, row.Name,
				string(row.Status), row.Detail, row.Indicator,
				row.ReviewStatus, row.Justification, row.Notes,
			})
		}
		if err := c.writeFile(c.SheetPath(sheet.Kind), records); err != nil {
			return err
		}
	}

	records := [][]string{actionLogHeader}
	for _, e := range entries {
		records = append(records, []string{
			fmt.Sprintf("%d", e.RunID),
			e.DetectedAt.UTC().Format("2006-01-02 15:04:05"),
			e.Kind.String(), e.Target, e.Scope, e.Name,
			e.Transition.Label(), string(e.Status), e.Detail, e.Justification,
		})
	}
	if err := c.writeFile(filepath.Join(c.dir, actionLogFile), records); err != nil {
		return err
	}

	c.log.Debugf("workbook regenerated under %s", c.dir)
	return nil
}

// writeFile lands records atomically via a temp file in the same directory
func (c *CSVWorkbook) writeFile(path string, records [][]string) error {
	tmp, err := os.CreateTemp(c.dir, ".regen-*")
	if err != nil {
		return errors.Internal("creating workbook temp file", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(records); err != nil {
		tmp.Close()
		return errors.Internal(fmt.Sprintf("writing %s", filepath.Base(path)), err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return errors.Internal(fmt.Sprintf("writing %s", filepath.Base(path)), err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Internal(fmt.Sprintf("closing %s", filepath.Base(path)), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Internal(fmt.Sprintf("replacing %s", filepath.Base(path)), err)
	}
	return nil
}
