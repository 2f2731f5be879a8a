package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/document"
	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
	"github.com/servaudit/servaudit/internal/identity"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/scheduler"
	"github.com/servaudit/servaudit/internal/testutil"
)

type syncFixture struct {
	runs        *testutil.MockRunRepository
	states      *testutil.MockStateRepository
	annotations *testutil.MockAnnotationRepository
	identities  *testutil.MockIdentityRepository
	entries     *testutil.MockActionLogRepository
	committer   *testutil.MockCommitter
	reader      *testutil.MockWorkbookReader
	writer      *testutil.MockWorkbookWriter
	lock        *testutil.MockLockChecker
	svc         *SyncService
}

func newSyncFixture(t *testing.T, targets []config.Target, migrate bool, collectors ...collector.Collector) *syncFixture {
	t.Helper()

	fx := &syncFixture{
		runs:        testutil.NewMockRunRepository(),
		states:      testutil.NewMockStateRepository(),
		annotations: testutil.NewMockAnnotationRepository(),
		identities:  testutil.NewMockIdentityRepository(),
		entries:     testutil.NewMockActionLogRepository(),
		reader:      &testutil.MockWorkbookReader{},
		writer:      &testutil.MockWorkbookWriter{},
		lock:        &testutil.MockLockChecker{},
	}
	fx.committer = testutil.NewMockCommitter(fx.states, fx.entries, fx.annotations, fx.identities, fx.runs)

	stores := Stores{
		Runs:        fx.runs,
		Committer:   fx.committer,
		States:      fx.states,
		Annotations: fx.annotations,
		Identities:  fx.identities,
		Entries:     fx.entries,
	}
	log := logger.New(logger.Config{Level: "error", Format: "json"})
	ingest := NewIngestService(fx.reader, fx.lock, fx.annotations, fx.identities, false, log)
	diff := NewDiffService(stores, migrate, log)
	sched := scheduler.New(config.SchedulerConfig{
		MaxConcurrent:  4,
		Stagger:        time.Millisecond,
		CollectTimeout: time.Second,
	}, log)

	fx.svc = NewSyncService(stores, ingest, diff, fx.writer, sched,
		collector.NewRegistry(collectors...), targets, log)
	return fx
}

// feedback hands the last regenerated workbook back to the reader, as if a
// reviewer saved the file without touching it
func (fx *syncFixture) feedback() {
	if n := len(fx.writer.Written); n > 0 {
		fx.reader.Workbook = fx.writer.Written[n-1]
	}
}

func (fx *syncFixture) annotationFor(t *testing.T, kind entity.Kind, token string) *annotation.Annotation {
	t.Helper()
	ann, err := fx.annotations.GetByIdentity(context.Background(), kind, token)
	if err != nil {
		t.Fatalf("GetByIdentity() error = %v", err)
	}
	return ann
}

func syncTargets(names ...string) []config.Target {
	var targets []config.Target
	for _, name := range names {
		targets = append(targets, config.Target{
			Name: name,
			Host: name + ".db.internal",
			Port: 5432,
			User: "audit",
		})
	}
	return targets
}

func findState(states []finding.State, name string) *finding.State {
	for i := range states {
		if states[i].Name == name {
			return &states[i]
		}
	}
	return nil
}

func findEntry(entries []actionlog.Entry, name string, tr finding.Transition) *actionlog.Entry {
	for i := range entries {
		if entries[i].Name == name && entries[i].Transition == tr {
			return &entries[i]
		}
	}
	return nil
}

func findRow(wb *document.Workbook, kind entity.Kind, name string) *document.Row {
	sheet := wb.Sheet(kind)
	if sheet == nil {
		return nil
	}
	for i := range sheet.Rows {
		if sheet.Rows[i].Name == name {
			return &sheet.Rows[i]
		}
	}
	return nil
}

func TestSyncService_BootstrapCycle(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {
				{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail, Detail: "password never expires"},
				{Kind: entity.KindLogin, Target: "pg1", Name: "bob", Status: finding.StatusPass},
			},
			"pg2": {
				{Kind: entity.KindLogin, Target: "pg2", Name: "carol", Status: finding.StatusWarn, Detail: "wildcard host"},
			},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1", "pg2"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}

	rn := fx.runs.Runs[1]
	if rn == nil {
		t.Fatal("run 1 not recorded")
	}
	if rn.Status != run.StatusCompleted || rn.Phase != run.PhaseDone {
		t.Errorf("run = %s/%s, want completed/done", rn.Status, rn.Phase)
	}
	if !rn.Bootstrap || rn.BaselineRunID != 0 || rn.PreviousRunID != 0 {
		t.Errorf("run pinned %d/%d bootstrap=%v, want 0/0 true",
			rn.BaselineRunID, rn.PreviousRunID, rn.Bootstrap)
	}
	if rn.FinishedAt == nil {
		t.Error("completed run has no finish time")
	}

	states := fx.states.States[1]
	if len(states) != 3 {
		t.Fatalf("recorded %d states, want 3", len(states))
	}
	for _, st := range states {
		if !identity.IsToken(st.Identity) {
			t.Errorf("state %s identity %q is not a token", st.Name, st.Identity)
		}
		if st.VsPrevious != finding.TransitionSame || st.VsBaseline != finding.TransitionSame {
			t.Errorf("bootstrap state %s classified %s/%s, want same/same",
				st.Name, st.VsPrevious, st.VsBaseline)
		}
	}
	if len(fx.entries.Entries) != 0 {
		t.Errorf("bootstrap logged %d entries, want none", len(fx.entries.Entries))
	}
	if len(fx.identities.Assignments) != 3 {
		t.Errorf("minted %d assignments, want 3", len(fx.identities.Assignments))
	}

	if len(fx.writer.Written) != 1 {
		t.Fatalf("workbook written %d times, want 1", len(fx.writer.Written))
	}
	wb := fx.writer.Written[0]
	sheet := wb.Sheet(entity.KindLogin)
	if sheet == nil || len(sheet.Rows) != 2 {
		t.Fatalf("logins sheet rows = %v, want alice and carol", sheet)
	}
	if findRow(wb, entity.KindLogin, "bob") != nil {
		t.Error("passing entity bob earned a workbook row")
	}
	if row := findRow(wb, entity.KindLogin, "alice"); row == nil {
		t.Error("failing entity alice missing from workbook")
	} else if row.ReviewStatus != string(annotation.ReviewNeedsReview) || row.Indicator != "" {
		t.Errorf("alice row = %q/%q, want needs-review with no indicator",
			row.ReviewStatus, row.Indicator)
	}

	for _, cat := range fx.runs.Categories[1] {
		if cat.Status != run.CategoryCommitted {
			t.Errorf("category %s = %s, want committed", cat.Kind, cat.Status)
		}
	}
}

func TestSyncService_SteadyStateKeepsIdentity(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	token := fx.states.States[1][0].Identity

	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	rn := fx.runs.Runs[2]
	if rn.BaselineRunID != 1 || rn.PreviousRunID != 1 {
		t.Errorf("run 2 pinned %d/%d, want 1/1", rn.BaselineRunID, rn.PreviousRunID)
	}
	st := findState(fx.states.States[2], "alice")
	if st == nil {
		t.Fatal("alice missing from run 2")
	}
	if st.Identity != token {
		t.Errorf("alice identity changed across runs: %q != %q", st.Identity, token)
	}
	if len(fx.identities.Assignments) != 1 {
		t.Errorf("assignments = %d, want the single bootstrap mint", len(fx.identities.Assignments))
	}
	if len(fx.entries.Entries) != 0 {
		t.Errorf("unchanged finding logged %d entries", len(fx.entries.Entries))
	}
}

func TestSyncService_ChangeClassification(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {
				{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail},
				{Kind: entity.KindLogin, Target: "pg1", Name: "bob", Status: finding.StatusPass},
			},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}

	// Second run: alice got fixed, bob broke
	logins.Observations["pg1"] = []finding.Observation{
		{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusPass},
		{Kind: entity.KindLogin, Target: "pg1", Name: "bob", Status: finding.StatusFail},
	}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 2 error = %v", err)
	}

	run2 := fx.entries.Entries
	if len(run2) != 2 {
		t.Fatalf("run 2 logged %d entries, want 2", len(run2))
	}
	if findEntry(run2, "alice", finding.TransitionFixed) == nil {
		t.Error("alice fix not logged")
	}
	if findEntry(run2, "bob", finding.TransitionNew) == nil {
		t.Error("bob failure not logged as new")
	}

	// Third run: alice fails again, bob still failing
	logins.Observations["pg1"] = []finding.Observation{
		{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail},
		{Kind: entity.KindLogin, Target: "pg1", Name: "bob", Status: finding.StatusFail},
	}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 3 error = %v", err)
	}

	var run3 []actionlog.Entry
	for _, e := range fx.entries.Entries {
		if e.RunID == 3 {
			run3 = append(run3, e)
		}
	}
	if len(run3) != 1 {
		t.Fatalf("run 3 logged %d entries, want alice regression only", len(run3))
	}
	if run3[0].Name != "alice" || run3[0].Transition != finding.TransitionRegression {
		t.Errorf("run 3 entry = %s/%s, want alice/regression", run3[0].Name, run3[0].Transition)
	}

	alice := findState(fx.states.States[3], "alice")
	bob := findState(fx.states.States[3], "bob")
	if alice == nil || bob == nil {
		t.Fatalf("run 3 states incomplete: %+v", fx.states.States[3])
	}
	if alice.VsPrevious != finding.TransitionRegression || alice.VsBaseline != finding.TransitionSame {
		t.Errorf("alice = %s vs previous, %s vs baseline, want regression/same",
			alice.VsPrevious, alice.VsBaseline)
	}
	if bob.VsPrevious != finding.TransitionSame || bob.VsBaseline != finding.TransitionNew {
		t.Errorf("bob = %s vs previous, %s vs baseline, want same/new",
			bob.VsPrevious, bob.VsBaseline)
	}
}

func TestSyncService_ExceptionLifecycle(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail, Detail: "superuser"}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	token := fx.states.States[1][0].Identity

	// A reviewer grants an exception in the workbook
	fx.reader.Workbook = &document.Workbook{Sheets: []document.Sheet{{
		Kind: entity.KindLogin,
		Rows: []document.Row{{
			Identity:      token,
			Kind:          entity.KindLogin,
			Target:        "pg1",
			Name:          "alice",
			ReviewStatus:  "exception",
			Justification: "break-glass account, ticket OPS-1432",
		}},
	}}}
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 2 error = %v", err)
	}

	entry := findEntry(fx.entries.Entries, "alice", finding.TransitionExceptionAdded)
	if entry == nil {
		t.Fatal("exception grant not logged")
	}
	if entry.Justification != "break-glass account, ticket OPS-1432" {
		t.Errorf("entry justification = %q, want the reviewer's text", entry.Justification)
	}
	st := findState(fx.states.States[2], "alice")
	if st == nil || !st.Excepted {
		t.Error("run 2 state does not snapshot the exception")
	}
	ann := fx.annotationFor(t, entity.KindLogin, token)
	if !ann.Excepted() {
		t.Errorf("annotation = %s/%s, want an active exception", ann.ReviewStatus, ann.Lifecycle)
	}

	// The reviewer revokes it again
	fx.reader.Workbook.Sheets[0].Rows[0].ReviewStatus = "needs-review"
	fx.reader.Workbook.Sheets[0].Rows[0].Justification = ""
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 3 error = %v", err)
	}

	if findEntry(fx.entries.Entries, "alice", finding.TransitionExceptionRemoved) == nil {
		t.Error("exception revocation not logged")
	}
	if st := findState(fx.states.States[3], "alice"); st == nil || st.Excepted {
		t.Error("run 3 state still snapshots the revoked exception")
	}
}

func TestSyncService_FixedPreservesJustification(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	token := fx.states.States[1][0].Identity

	fx.reader.Workbook = &document.Workbook{Sheets: []document.Sheet{{
		Kind: entity.KindLogin,
		Rows: []document.Row{{
			Identity: token, Kind: entity.KindLogin, Target: "pg1", Name: "alice",
			Justification: "approved legacy login",
		}},
	}}}
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 2 error = %v", err)
	}

	// The finding heals; the annotation resolves but keeps its text
	logins.Observations["pg1"] = []finding.Observation{
		{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusPass},
	}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 3 error = %v", err)
	}

	ann := fx.annotationFor(t, entity.KindLogin, token)
	if ann.Lifecycle != annotation.LifecycleResolved {
		t.Errorf("annotation lifecycle = %s, want resolved", ann.Lifecycle)
	}
	if ann.Justification != "approved legacy login" {
		t.Errorf("resolving dropped the justification: %q", ann.Justification)
	}
	if findEntry(fx.entries.Entries, "alice", finding.TransitionFixed) == nil {
		t.Error("fix not logged")
	}

	// It breaks again: reopened as needs-review, text still intact
	logins.Observations["pg1"] = []finding.Observation{
		{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail},
	}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 4 error = %v", err)
	}

	ann = fx.annotationFor(t, entity.KindLogin, token)
	if ann.Lifecycle != annotation.LifecycleActive || ann.ReviewStatus != annotation.ReviewNeedsReview {
		t.Errorf("reopened annotation = %s/%s, want active/needs-review",
			ann.Lifecycle, ann.ReviewStatus)
	}
	if ann.Justification != "approved legacy login" {
		t.Errorf("reopening dropped the justification: %q", ann.Justification)
	}
	if findEntry(fx.entries.Entries, "alice", finding.TransitionRegression) == nil {
		t.Error("regression not logged")
	}
}

func TestSyncService_UnreachableTargetCarriesStates(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
			"pg2": {{Kind: entity.KindLogin, Target: "pg2", Name: "carol", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1", "pg2"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}

	logins.Errors = map[string]error{"pg2": fmt.Errorf("dial tcp: connection refused")}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if fx.runs.Runs[2].Status != run.StatusCompleted {
		t.Errorf("run 2 = %s, want completed despite one unreachable target", fx.runs.Runs[2].Status)
	}
	states := fx.states.States[2]
	if len(states) != 2 {
		t.Fatalf("run 2 recorded %d states, want 2", len(states))
	}

	carol := findState(states, "carol")
	if carol == nil {
		t.Fatal("carol's state was not carried forward")
	}
	if !carol.Carried || carol.Status != finding.StatusFail || carol.RunID != 2 {
		t.Errorf("carried state = carried=%v status=%s run=%d", carol.Carried, carol.Status, carol.RunID)
	}
	if carol.VsPrevious != finding.TransitionSame {
		t.Errorf("carried state classified %s, want same", carol.VsPrevious)
	}
	if alice := findState(states, "alice"); alice == nil || alice.Carried {
		t.Error("alice scanned fine but was marked carried")
	}
	if len(fx.entries.Entries) != 0 {
		t.Errorf("carried cycle logged %d entries, want none", len(fx.entries.Entries))
	}

	wb := fx.writer.Written[len(fx.writer.Written)-1]
	if row := findRow(wb, entity.KindLogin, "carol"); row == nil || row.Indicator != "CARRIED" {
		t.Errorf("carol row indicator = %v, want CARRIED", row)
	}
}

func TestSyncService_AllTargetsDownFailsCategory(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
			"pg2": {{Kind: entity.KindLogin, Target: "pg2", Name: "carol", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1", "pg2"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}

	logins.Errors = map[string]error{
		"pg1": fmt.Errorf("connection refused"),
		"pg2": fmt.Errorf("connection refused"),
	}
	fx.feedback()
	err := fx.svc.Execute(ctx, false)
	if !errors.Is(err, errors.ErrCodePartialCommit) {
		t.Fatalf("Execute() error = %v, want partial commit", err)
	}

	if fx.runs.Runs[2].Status != run.StatusFailed {
		t.Errorf("run 2 = %s, want failed", fx.runs.Runs[2].Status)
	}
	cats := fx.runs.Categories[2]
	if len(cats) != 1 || cats[0].Status != run.CategoryFailed {
		t.Fatalf("categories = %+v, want logins failed", cats)
	}
	if cats[0].Error != "no target reachable" {
		t.Errorf("category error = %q", cats[0].Error)
	}
	if len(fx.states.States[2]) != 0 {
		t.Error("failed category still recorded states")
	}
	if len(fx.states.States[1]) != 2 {
		t.Error("bootstrap states were disturbed")
	}
}

func TestSyncService_ResumeSkipsCommittedCategories(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	settings := &testutil.FakeCollector{
		KindValue: entity.KindSetting,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindSetting, Target: "pg1", Scope: "postgres", Name: "ssl", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins, settings)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}

	fx.committer.CommitError = fmt.Errorf("disk full")
	fx.committer.FailKind = entity.KindSetting
	fx.feedback()
	err := fx.svc.Execute(ctx, false)
	if !errors.Is(err, errors.ErrCodePartialCommit) {
		t.Fatalf("Execute() error = %v, want partial commit", err)
	}

	commits := commitCount(fx.committer.Commits, 2)
	if commits[entity.KindLogin] != 1 || commits[entity.KindSetting] != 0 {
		t.Fatalf("first attempt commits = %v", commits)
	}

	fx.committer.CommitError = nil
	if err := fx.svc.Resume(ctx, 0); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if fx.runs.Runs[2].Status != run.StatusCompleted {
		t.Errorf("resumed run = %s, want completed", fx.runs.Runs[2].Status)
	}
	commits = commitCount(fx.committer.Commits, 2)
	if commits[entity.KindLogin] != 1 {
		t.Errorf("logins committed %d times, the resume must not redo it", commits[entity.KindLogin])
	}
	if commits[entity.KindSetting] != 1 {
		t.Errorf("settings committed %d times, want 1", commits[entity.KindSetting])
	}
}

func commitCount(commits []run.CategoryCommit, runID int64) map[entity.Kind]int {
	counts := make(map[entity.Kind]int)
	for _, c := range commits {
		if c.RunID == runID {
			counts[c.Kind]++
		}
	}
	return counts
}

func TestSyncService_ResumeReclaimsIngestMints(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	settings := &testutil.FakeCollector{
		KindValue: entity.KindSetting,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindSetting, Target: "pg1", Scope: "postgres", Name: "ssl", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins, settings)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	minted := len(fx.identities.Assignments)

	// A reviewer hand-adds a row the scans have never seen; the commit of the
	// settings category then dies
	fx.feedback()
	sheet := fx.reader.Workbook.Sheet(entity.KindLogin)
	sheet.Rows = append(sheet.Rows, document.Row{
		Kind: entity.KindLogin, Target: "pg1", Name: "zed",
		Justification: "pre-approved service account",
	})
	fx.committer.CommitError = fmt.Errorf("disk full")
	fx.committer.FailKind = entity.KindSetting
	if err := fx.svc.Execute(ctx, false); !errors.Is(err, errors.ErrCodePartialCommit) {
		t.Fatalf("Execute() error = %v, want partial commit", err)
	}

	if len(fx.identities.Assignments) != minted+1 {
		t.Fatalf("ingest minted %d assignments, want 1", len(fx.identities.Assignments)-minted)
	}

	fx.committer.CommitError = nil
	if err := fx.svc.Resume(ctx, 2); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	// The rerun ingest must reuse the token the first attempt minted
	if len(fx.identities.Assignments) != minted+1 {
		t.Errorf("resume minted again: %d assignments", len(fx.identities.Assignments)-minted)
	}
	zedKey := entity.LegacyKey("pg1", "", "zed")
	assignments, _ := fx.identities.GetByLegacyKey(ctx, entity.KindLogin, zedKey)
	if len(assignments) != 1 {
		t.Fatalf("zed has %d assignments, want 1", len(assignments))
	}

	var snapshots int
	for _, h := range fx.annotations.History {
		if h.Identity == assignments[0].Identity {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Errorf("zed annotation has %d history snapshots, the rerun ingest must be silent", snapshots)
	}
}

func TestSyncService_ResurrectionMintsFreshIdentity(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), true, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	first := fx.states.States[1][0].Identity

	// The reviewer signs alice off, then alice gets dropped from the server
	fx.reader.Workbook = &document.Workbook{Sheets: []document.Sheet{{
		Kind: entity.KindLogin,
		Rows: []document.Row{{
			Identity: first, Kind: entity.KindLogin, Target: "pg1", Name: "alice",
			ReviewStatus: "exception", Justification: "sanctioned by security review",
		}},
	}}}
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 2 error = %v", err)
	}

	logins.Observations["pg1"] = nil
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 3 error = %v", err)
	}

	if findEntry(fx.entries.Entries, "alice", finding.TransitionFixed) == nil {
		t.Error("vanished entity's fix not logged")
	}
	if ann := fx.annotationFor(t, entity.KindLogin, first); ann.Lifecycle != annotation.LifecycleOrphaned {
		t.Errorf("vanished entity's annotation = %s, want orphaned", ann.Lifecycle)
	}

	// alice reappears failing: fresh identity, annotation text migrated
	logins.Observations["pg1"] = []finding.Observation{
		{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail},
	}
	fx.feedback()
	if err := fx.svc.Execute(ctx, false); err != nil {
		t.Fatalf("Execute() run 4 error = %v", err)
	}

	reborn := findState(fx.states.States[4], "alice")
	if reborn == nil {
		t.Fatal("resurrected entity has no run 4 state")
	}
	if reborn.Identity == first {
		t.Fatal("resurrected entity kept its old identity")
	}
	if reborn.VsPrevious != finding.TransitionNew {
		t.Errorf("resurrected entity classified %s, want new", reborn.VsPrevious)
	}

	migrated := fx.annotationFor(t, entity.KindLogin, reborn.Identity)
	if migrated == nil {
		t.Fatal("annotation was not migrated onto the fresh identity")
	}
	if migrated.Justification != "sanctioned by security review" {
		t.Errorf("migrated justification = %q", migrated.Justification)
	}
	if migrated.ReviewStatus != annotation.ReviewNeedsReview || migrated.Lifecycle != annotation.LifecycleActive {
		t.Errorf("migrated annotation = %s/%s, want needs-review/active",
			migrated.ReviewStatus, migrated.Lifecycle)
	}
	if old := fx.annotationFor(t, entity.KindLogin, first); old.Lifecycle != annotation.LifecycleOrphaned {
		t.Errorf("old annotation = %s, want still orphaned", old.Lifecycle)
	}

	assignments, _ := fx.identities.GetByLegacyKey(ctx, entity.KindLogin, entity.LegacyKey("pg1", "", "alice"))
	if len(assignments) != 2 {
		t.Errorf("legacy key has %d assignments, want 2", len(assignments))
	}
}

func TestSyncService_BootstrapRefusedWhenBaselineExists(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusPass}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	err := fx.svc.Execute(ctx, true)
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("second bootstrap error = %v, want validation error", err)
	}
	if len(fx.runs.Runs) != 1 {
		t.Errorf("refused bootstrap still created a run")
	}
}

func TestSyncService_RequiresBaseline(t *testing.T) {
	logins := &testutil.FakeCollector{KindValue: entity.KindLogin}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)

	err := fx.svc.Execute(context.Background(), false)
	if !errors.Is(err, errors.ErrCodeNoBaseline) {
		t.Errorf("Execute() error = %v, want no baseline", err)
	}
	if len(fx.runs.Runs) != 0 {
		t.Error("refused cycle still created a run")
	}
}

func TestSyncService_LockedWorkbookAborts(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	fx.lock.LockedBy = "/srv/audit/servaudit.csv"

	err := fx.svc.Execute(context.Background(), true)
	if !errors.Is(err, errors.ErrCodeDocumentLocked) {
		t.Fatalf("Execute() error = %v, want locked workbook", err)
	}

	rn := fx.runs.Runs[1]
	if rn.Status != run.StatusFailed || rn.Phase != run.PhasePreflight {
		t.Errorf("run = %s/%s, want failed in preflight", rn.Status, rn.Phase)
	}
	if len(fx.writer.Written) != 0 {
		t.Error("aborted cycle still wrote the workbook")
	}
}

func TestSyncService_InterruptAndResume(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := fx.svc.Execute(cancelled, true)
	if !errors.Is(err, errors.ErrCodeInterrupted) {
		t.Fatalf("Execute() error = %v, want interrupted", err)
	}
	if errors.ExitCodeOf(err) != errors.ExitInterrupted {
		t.Errorf("exit code = %d, want %d", errors.ExitCodeOf(err), errors.ExitInterrupted)
	}

	rn := fx.runs.Runs[1]
	if rn.Status != run.StatusInterrupted {
		t.Fatalf("run = %s, want interrupted", rn.Status)
	}
	if rn.FinishedAt != nil {
		t.Error("interrupted run has a finish time")
	}

	if err := fx.svc.Resume(context.Background(), 0); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if rn := fx.runs.Runs[1]; rn.Status != run.StatusCompleted || rn.Phase != run.PhaseDone {
		t.Errorf("resumed run = %s/%s, want completed/done", rn.Status, rn.Phase)
	}
	if len(fx.states.States[1]) != 1 {
		t.Errorf("resumed run recorded %d states, want 1", len(fx.states.States[1]))
	}
}

func TestSyncService_ResumeRefusesCompletedRun(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusPass}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	if err := fx.svc.Resume(ctx, 1); !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("Resume(completed) error = %v, want validation error", err)
	}
	if err := fx.svc.Resume(ctx, 99); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Resume(unknown) error = %v, want not found", err)
	}
}

func TestSyncService_Regenerate(t *testing.T) {
	logins := &testutil.FakeCollector{
		KindValue: entity.KindLogin,
		Observations: map[string][]finding.Observation{
			"pg1": {{Kind: entity.KindLogin, Target: "pg1", Name: "alice", Status: finding.StatusFail}},
		},
	}
	fx := newSyncFixture(t, syncTargets("pg1"), false, logins)
	ctx := context.Background()

	if err := fx.svc.Regenerate(ctx); !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("Regenerate() with no runs error = %v, want validation error", err)
	}

	if err := fx.svc.Execute(ctx, true); err != nil {
		t.Fatalf("Execute(bootstrap) error = %v", err)
	}
	if err := fx.svc.Regenerate(ctx); err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}

	if len(fx.writer.Written) != 2 {
		t.Fatalf("workbook written %d times, want cycle + regenerate", len(fx.writer.Written))
	}
	if row := findRow(fx.writer.Written[1], entity.KindLogin, "alice"); row == nil {
		t.Error("regenerated workbook lost alice's row")
	}
}
