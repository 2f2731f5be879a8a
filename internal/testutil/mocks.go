package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/document"
	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
)

// MockIdentityRepository is a mock implementation of entity.Repository
type MockIdentityRepository struct {
	Assignments []entity.Assignment
	CreateError error
	GetError    error
}

func NewMockIdentityRepository() *MockIdentityRepository {
	return &MockIdentityRepository{}
}

func (m *MockIdentityRepository) CreateAssignments(ctx context.Context, assignments []entity.Assignment) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	for _, a := range assignments {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now()
		}
		m.Assignments = append(m.Assignments, a)
	}
	return nil
}

func (m *MockIdentityRepository) GetByLegacyKey(ctx context.Context, kind entity.Kind, legacyKey string) ([]entity.Assignment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var result []entity.Assignment
	for i := len(m.Assignments) - 1; i >= 0; i-- {
		a := m.Assignments[i]
		if a.Kind == kind && a.LegacyKey == legacyKey {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *MockIdentityRepository) GetByRun(ctx context.Context, runID int64) ([]entity.Assignment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var result []entity.Assignment
	for _, a := range m.Assignments {
		if a.RunID == runID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *MockIdentityRepository) GetByIdentity(ctx context.Context, kind entity.Kind, identity string) (*entity.Assignment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	for i := len(m.Assignments) - 1; i >= 0; i-- {
		a := m.Assignments[i]
		if a.Kind == kind && a.Identity == identity {
			return &a, nil
		}
	}
	return nil, nil
}

// MockStateRepository is a mock implementation of finding.Repository
type MockStateRepository struct {
	States   map[int64][]finding.State
	GetError error
}

func NewMockStateRepository() *MockStateRepository {
	return &MockStateRepository{
		States: make(map[int64][]finding.State),
	}
}

func (m *MockStateRepository) GetByRun(ctx context.Context, runID int64) ([]finding.State, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	return m.States[runID], nil
}

func (m *MockStateRepository) GetByRunAndKind(ctx context.Context, runID int64, kind entity.Kind) ([]finding.State, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var result []finding.State
	for _, s := range m.States[runID] {
		if s.Kind == kind {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *MockStateRepository) GetByIdentity(ctx context.Context, runID int64, identity string) (*finding.State, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	for _, s := range m.States[runID] {
		if s.Identity == identity {
			state := s
			return &state, nil
		}
	}
	return nil, nil
}

func (m *MockStateRepository) GetHistory(ctx context.Context, kind entity.Kind, identity string, limit int) ([]finding.State, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var runIDs []int64
	for runID := range m.States {
		runIDs = append(runIDs, runID)
	}
	sort.Slice(runIDs, func(i, j int) bool { return runIDs[i] > runIDs[j] })

	var result []finding.State
	for _, runID := range runIDs {
		for _, s := range m.States[runID] {
			if s.Kind == kind && s.Identity == identity {
				result = append(result, s)
			}
		}
		if limit > 0 && len(result) >= limit {
			return result[:limit], nil
		}
	}
	return result, nil
}

func annotationKey(kind entity.Kind, identity string) string {
	return string(kind) + "|" + identity
}

// MockAnnotationRepository is a mock implementation of annotation.Repository
type MockAnnotationRepository struct {
	Annotations map[string]*annotation.Annotation
	History     []annotation.HistoryEntry
	NextID      int64
	UpsertError error
	GetError    error
}

func NewMockAnnotationRepository() *MockAnnotationRepository {
	return &MockAnnotationRepository{
		Annotations: make(map[string]*annotation.Annotation),
		NextID:      1,
	}
}

func (m *MockAnnotationRepository) Upsert(ctx context.Context, a *annotation.Annotation, source string) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}

	now := time.Now()
	key := annotationKey(a.Kind, a.Identity)

	if existing, ok := m.Annotations[key]; ok {
		if existing.ReviewStatus == a.ReviewStatus &&
			existing.Justification == a.Justification &&
			existing.Notes == a.Notes &&
			existing.Lifecycle == a.Lifecycle {
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			a.UpdatedAt = existing.UpdatedAt
			return nil
		}
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		a.UpdatedAt = now
	} else {
		a.ID = m.NextID
		m.NextID++
		a.CreatedAt = now
		a.UpdatedAt = now
	}
	m.Annotations[key] = a

	m.History = append(m.History, annotation.HistoryEntry{
		ID:            int64(len(m.History) + 1),
		Kind:          a.Kind,
		Identity:      a.Identity,
		RunID:         a.UpdatedRunID,
		ReviewStatus:  a.ReviewStatus,
		Justification: a.Justification,
		Notes:         a.Notes,
		Lifecycle:     a.Lifecycle,
		Source:        source,
		ChangedAt:     now,
	})
	return nil
}

func (m *MockAnnotationRepository) UpsertBatch(ctx context.Context, batch []*annotation.Annotation, source string) error {
	for _, a := range batch {
		if err := m.Upsert(ctx, a, source); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockAnnotationRepository) GetByIdentity(ctx context.Context, kind entity.Kind, identity string) (*annotation.Annotation, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	a, ok := m.Annotations[annotationKey(kind, identity)]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (m *MockAnnotationRepository) ListByKind(ctx context.Context, kind entity.Kind) ([]*annotation.Annotation, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var result []*annotation.Annotation
	for _, a := range m.Annotations {
		if a.Kind == kind {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Identity < result[j].Identity })
	return result, nil
}

func (m *MockAnnotationRepository) GetHistory(ctx context.Context, kind entity.Kind, identity string) ([]annotation.HistoryEntry, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var result []annotation.HistoryEntry
	for i := len(m.History) - 1; i >= 0; i-- {
		e := m.History[i]
		if e.Kind == kind && e.Identity == identity {
			result = append(result, e)
		}
	}
	return result, nil
}

// MockActionLogRepository is a mock implementation of actionlog.Repository
type MockActionLogRepository struct {
	Entries   []actionlog.Entry
	NextID    int64
	ListError error
}

func NewMockActionLogRepository() *MockActionLogRepository {
	return &MockActionLogRepository{NextID: 1}
}

func (m *MockActionLogRepository) List(ctx context.Context, filter actionlog.Filter) ([]actionlog.Entry, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	var result []actionlog.Entry
	for i := len(m.Entries) - 1; i >= 0; i-- {
		e := m.Entries[i]
		if filter.RunID != 0 && e.RunID != filter.RunID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Identity != "" && e.Identity != filter.Identity {
			continue
		}
		if filter.Transition != "" && e.Transition != filter.Transition {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MockActionLogRepository) CountByTransition(ctx context.Context, runID int64) (map[finding.Transition]int, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	counts := make(map[finding.Transition]int)
	for _, e := range m.Entries {
		if e.RunID == runID {
			counts[e.Transition]++
		}
	}
	return counts, nil
}

func (m *MockActionLogRepository) GetFailedIdentities(ctx context.Context, kind entity.Kind, beforeRunID int64) (map[string]bool, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	identities := make(map[string]bool)
	for _, e := range m.Entries {
		if e.Kind == kind && e.RunID < beforeRunID && (e.Transition == finding.TransitionNew || e.Transition == finding.TransitionRegression) {
			identities[e.Identity] = true
		}
	}
	return identities, nil
}

// MockRunRepository is a mock implementation of run.Repository
type MockRunRepository struct {
	Runs        map[int64]*run.Run
	Categories  map[int64][]run.Category
	NextID      int64
	CreateError error
	UpdateError error
	GetError    error
}

func NewMockRunRepository() *MockRunRepository {
	return &MockRunRepository{
		Runs:       make(map[int64]*run.Run),
		Categories: make(map[int64][]run.Category),
		NextID:     1,
	}
}

func (m *MockRunRepository) Create(ctx context.Context, r *run.Run, kinds []entity.Kind) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	r.ID = m.NextID
	m.NextID++
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = run.StatusRunning
	}
	if r.Phase == "" {
		r.Phase = run.PhasePreflight
	}
	m.Runs[r.ID] = r

	for _, kind := range kinds {
		m.Categories[r.ID] = append(m.Categories[r.ID], run.Category{
			RunID:  r.ID,
			Kind:   kind,
			Status: run.CategoryPending,
		})
	}
	return nil
}

func (m *MockRunRepository) Update(ctx context.Context, r *run.Run) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.Runs[r.ID] = r
	return nil
}

func (m *MockRunRepository) GetByID(ctx context.Context, id int64) (*run.Run, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	r, ok := m.Runs[id]
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (m *MockRunRepository) GetLatest(ctx context.Context) (*run.Run, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var latest *run.Run
	for _, r := range m.Runs {
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	return latest, nil
}

func (m *MockRunRepository) GetLatestCompleted(ctx context.Context) (*run.Run, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var latest *run.Run
	for _, r := range m.Runs {
		if r.Status == run.StatusCompleted && (latest == nil || r.ID > latest.ID) {
			latest = r
		}
	}
	return latest, nil
}

func (m *MockRunRepository) GetBaseline(ctx context.Context) (*run.Run, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var earliest *run.Run
	for _, r := range m.Runs {
		if r.Status == run.StatusCompleted && (earliest == nil || r.ID < earliest.ID) {
			earliest = r
		}
	}
	return earliest, nil
}

func (m *MockRunRepository) List(ctx context.Context, limit int) ([]run.Run, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	var ids []int64
	for id := range m.Runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var result []run.Run
	for _, id := range ids {
		result = append(result, *m.Runs[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockRunRepository) GetCategories(ctx context.Context, runID int64) ([]run.Category, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	return m.Categories[runID], nil
}

func (m *MockRunRepository) FailCategory(ctx context.Context, runID int64, kind entity.Kind, cause string) error {
	categories := m.Categories[runID]
	for i := range categories {
		if categories[i].Kind == kind && categories[i].Status != run.CategoryCommitted {
			categories[i].Status = run.CategoryFailed
			categories[i].Error = cause
		}
	}
	return nil
}

// MockCommitter applies category commits onto the sibling mocks so tests
// observe the same rows a real commit would persist
type MockCommitter struct {
	States      *MockStateRepository
	Entries     *MockActionLogRepository
	Annotations *MockAnnotationRepository
	Identities  *MockIdentityRepository
	Runs        *MockRunRepository

	Commits     []run.CategoryCommit
	CommitError error
	// FailKind scopes CommitError to one kind; empty fails every commit
	FailKind entity.Kind
}

func NewMockCommitter(states *MockStateRepository, entries *MockActionLogRepository, annotations *MockAnnotationRepository, identities *MockIdentityRepository, runs *MockRunRepository) *MockCommitter {
	return &MockCommitter{
		States:      states,
		Entries:     entries,
		Annotations: annotations,
		Identities:  identities,
		Runs:        runs,
	}
}

func (m *MockCommitter) CommitCategory(ctx context.Context, commit run.CategoryCommit) error {
	if m.CommitError != nil && (m.FailKind == "" || m.FailKind == commit.Kind) {
		return m.CommitError
	}

	now := time.Now()

	kept := m.States.States[commit.RunID][:0]
	for _, s := range m.States.States[commit.RunID] {
		if s.Kind != commit.Kind {
			kept = append(kept, s)
		}
	}
	for _, s := range commit.States {
		if s.RecordedAt.IsZero() {
			s.RecordedAt = now
		}
		kept = append(kept, s)
	}
	m.States.States[commit.RunID] = kept

	var entries []actionlog.Entry
	for _, e := range m.Entries.Entries {
		if e.RunID != commit.RunID || e.Kind != commit.Kind {
			entries = append(entries, e)
		}
	}
	for _, e := range commit.Entries {
		e.ID = m.Entries.NextID
		m.Entries.NextID++
		if e.DetectedAt.IsZero() {
			e.DetectedAt = now
		}
		entries = append(entries, e)
	}
	m.Entries.Entries = entries

	for _, change := range commit.Annotations {
		if err := m.Annotations.Upsert(ctx, change.Annotation, change.Source); err != nil {
			return err
		}
	}

	if err := m.Identities.CreateAssignments(ctx, commit.Assignments); err != nil {
		return err
	}

	categories := m.Runs.Categories[commit.RunID]
	for i := range categories {
		if categories[i].Kind == commit.Kind {
			categories[i].Status = run.CategoryCommitted
			categories[i].States = len(commit.States)
			categories[i].Transitions = len(commit.Entries)
			categories[i].Error = ""
			categories[i].CommittedAt = &now
		}
	}

	m.Commits = append(m.Commits, commit)
	return nil
}

// FakeCollector returns canned observations for one entity kind, keyed by
// target name. Collect is safe to call from concurrent scheduler workers
type FakeCollector struct {
	KindValue    entity.Kind
	Observations map[string][]finding.Observation
	Errors       map[string]error
	PanicTargets map[string]bool
	Delay        time.Duration

	mu    sync.Mutex
	calls []string
}

func (f *FakeCollector) Kind() entity.Kind {
	return f.KindValue
}

func (f *FakeCollector) Collect(ctx context.Context, target config.Target) ([]finding.Observation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.Name)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.PanicTargets[target.Name] {
		panic("collector blew up on " + target.Name)
	}
	if err := f.Errors[target.Name]; err != nil {
		return nil, err
	}
	return f.Observations[target.Name], nil
}

// Calls returns the target names Collect was invoked with, in call order
func (f *FakeCollector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// MockWorkbookReader is a mock implementation of document.Reader
type MockWorkbookReader struct {
	Workbook  *document.Workbook
	ReadError error
}

func (m *MockWorkbookReader) Read(ctx context.Context) (*document.Workbook, error) {
	if m.ReadError != nil {
		return nil, m.ReadError
	}
	if m.Workbook == nil {
		return &document.Workbook{}, nil
	}
	return m.Workbook, nil
}

// MockWorkbookWriter is a mock implementation of document.Writer
type MockWorkbookWriter struct {
	Written    []*document.Workbook
	LogEntries [][]actionlog.Entry
	WriteError error
}

func (m *MockWorkbookWriter) Write(ctx context.Context, wb *document.Workbook, entries []actionlog.Entry) error {
	if m.WriteError != nil {
		return m.WriteError
	}
	m.Written = append(m.Written, wb)
	m.LogEntries = append(m.LogEntries, entries)
	return nil
}

// MockLockChecker is a mock implementation of document.LockChecker
type MockLockChecker struct {
	LockedBy   string
	CheckError error
}

func (m *MockLockChecker) Locked(ctx context.Context) (bool, string, error) {
	if m.CheckError != nil {
		return false, "", m.CheckError
	}
	return m.LockedBy != "", m.LockedBy, nil
}
