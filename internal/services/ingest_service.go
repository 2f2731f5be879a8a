package services

import (
	"context"
	"strings"

	"github.com/servaudit/servaudit/internal/document"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/identity"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/pkg/metrics"
)

// IngestService pulls human edits out of the review workbook and lands them
// on stable identities before the cycle touches any server
type IngestService struct {
	reader      document.Reader
	lock        document.LockChecker
	annotations annotation.Repository
	identities  entity.Repository
	ignoreLock  bool
	logger      *logger.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(reader document.Reader, lock document.LockChecker, annotations annotation.Repository, identities entity.Repository, ignoreLock bool, log *logger.Logger) *IngestService {
	return &IngestService{
		reader:      reader,
		lock:        lock,
		annotations: annotations,
		identities:  identities,
		ignoreLock:  ignoreLock,
		logger:      log,
	}
}

// CheckLock fails the preflight when an editor holds the workbook open
func (s *IngestService) CheckLock(ctx context.Context) error {
	if s.ignoreLock {
		return nil
	}
	locked, path, err := s.lock.Locked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return errors.DocumentLocked(path)
	}
	return nil
}

// Ingest reads the workbook and upserts one annotation per reviewable row.
// Rows keep their identity token when it is recognized; rows whose token was
// lost or mangled are recovered through their legacy key, minting a fresh
// identity when the key is unknown. Minted assignments are persisted before
// the annotations that reference them, so an interrupted cycle can reclaim
// its tokens on resume
func (s *IngestService) Ingest(ctx context.Context, cycle run.Cycle, resolvers map[entity.Kind]*identity.Resolver) error {
	wb, err := s.reader.Read(ctx)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to read workbook")
		return err
	}

	for _, sheet := range wb.Sheets {
		resolver := resolvers[sheet.Kind]
		if resolver == nil {
			s.logger.WithKind(sheet.Kind.String()).Warn("No collector registered for sheet, rows ignored")
			continue
		}
		if err := s.ingestSheet(ctx, cycle, sheet, resolver); err != nil {
			return err
		}
	}
	return nil
}

func (s *IngestService) ingestSheet(ctx context.Context, cycle run.Cycle, sheet document.Sheet, resolver *identity.Resolver) error {
	existing, err := s.annotations.ListByKind(ctx, sheet.Kind)
	if err != nil {
		return err
	}
	lifecycles := make(map[string]annotation.Lifecycle, len(existing))
	for _, a := range existing {
		lifecycles[a.Identity] = a.Lifecycle
	}

	var batch []*annotation.Annotation
	index := make(map[string]int)
	var recovered, minted, dropped int

	for _, row := range sheet.Rows {
		id := strings.TrimSpace(row.Identity)
		log := s.logger.WithKind(sheet.Kind.String()).WithTarget(row.Target)

		if id == "" || !resolver.Known(id) {
			if row.Target == "" || row.Name == "" {
				dropped++
				log.Warnf("Row %q dropped: no usable identity and no recoverable attributes", row.Name)
				continue
			}
			legacy := row.LegacyKey()
			if bound, ok := resolver.Lookup(legacy); ok {
				if id != "" {
					log.Warnf("Identity %q not recognized, recovered row through its attributes", id)
				}
				id = bound
				recovered++
			} else {
				id, _ = resolver.Resolve(legacy)
				minted++
			}
		}

		lifecycle, ok := lifecycles[id]
		if !ok {
			lifecycle = annotation.LifecycleActive
		}

		a := &annotation.Annotation{
			Kind:          sheet.Kind,
			Identity:      id,
			ReviewStatus:  reviewStatusFor(row),
			Justification: strings.TrimSpace(row.Justification),
			Notes:         strings.TrimSpace(row.Notes),
			Lifecycle:     lifecycle,
			UpdatedRunID:  cycle.RunID,
		}

		// Duplicate identities within a sheet collapse onto the last row
		if i, ok := index[id]; ok {
			batch[i] = a
			continue
		}
		index[id] = len(batch)
		batch = append(batch, a)
	}

	if mints := resolver.Minted(); len(mints) > 0 {
		if err := s.identities.CreateAssignments(ctx, mints); err != nil {
			return err
		}
	}
	if err := s.annotations.UpsertBatch(ctx, batch, annotation.SourceIngest); err != nil {
		return err
	}

	metrics.RecordIngestedAnnotations(sheet.Kind.String(), len(batch))
	metrics.RecordUnmatchedRows(sheet.Kind.String(), dropped)

	s.logger.WithFields(map[string]interface{}{
		"run_id":      cycle.RunID,
		"kind":        sheet.Kind,
		"rows":        len(sheet.Rows),
		"annotations": len(batch),
		"recovered":   recovered,
		"minted":      minted,
		"dropped":     dropped,
	}).Info("Sheet ingested")

	return nil
}

// reviewStatusFor derives the verdict for a row. An explicit status wins; a
// bare justification reads as an exception; everything else needs review
func reviewStatusFor(row document.Row) annotation.ReviewStatus {
	if status := annotation.ParseReviewStatus(row.ReviewStatus); status != "" {
		return status
	}
	if strings.TrimSpace(row.Justification) != "" {
		return annotation.ReviewException
	}
	return annotation.ReviewNeedsReview
}
