package document

import (
	"context"

	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// Row is one reviewable line of a category sheet. The identity column is
// machine-owned; review status, justification and notes are human-owned. The
// remaining columns are regenerated every cycle and ignored on ingest
type Row struct {
	Identity      string
	Kind          entity.Kind
	Target        string
	Scope         string
	Name          string
	Status        finding.Status
	Detail        string
	Indicator     string
	ReviewStatus  string
	Justification string
	Notes         string
}

// LegacyKey derives the row's fallback key for identity recovery
func (r Row) LegacyKey() string {
	return entity.LegacyKey(r.Target, r.Scope, r.Name)
}

// Sheet holds one entity kind's rows in display order
type Sheet struct {
	Kind entity.Kind
	Rows []Row
}

// Workbook is the editable review surface: one sheet per entity kind
type Workbook struct {
	Sheets []Sheet
}

// Sheet returns the sheet for a kind, or nil
func (w *Workbook) Sheet(kind entity.Kind) *Sheet {
	for i := range w.Sheets {
		if w.Sheets[i].Kind == kind {
			return &w.Sheets[i]
		}
	}
	return nil
}

// Rows returns every row across sheets in sheet order
func (w *Workbook) Rows() []Row {
	var rows []Row
	for _, sheet := range w.Sheets {
		rows = append(rows, sheet.Rows...)
	}
	return rows
}

// Reader loads the human-edited workbook. A missing workbook reads as empty:
// the first cycle starts from nothing
type Reader interface {
	Read(ctx context.Context) (*Workbook, error)
}

// Writer regenerates the workbook from reconciled state. The action log
// sheet is rewritten alongside the category sheets
type Writer interface {
	Write(ctx context.Context, wb *Workbook, entries []actionlog.Entry) error
}

// LockChecker reports whether an editor currently holds the workbook open
type LockChecker interface {
	// Locked returns the offending path when the workbook is held open
	Locked(ctx context.Context) (bool, string, error)
}
