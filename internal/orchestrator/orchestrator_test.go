package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/engine"
	"github.com/kalambet/dawn/internal/executor"
	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/planner"
	"github.com/kalambet/dawn/internal/retrieval"
	"github.com/kalambet/dawn/internal/storage"
)

const ticketsCSV = `id,priority,assigned_to,hours
1,High,Alex,2.5
2,High,Priya,3
3,Medium,Alex,4
4,Low,Sam,1.5
5,High,Alex,6
6,Medium,Priya,2
7,High,Alex,3.5
8,Low,Sam,5
9,High,Priya,2
10,Medium,Alex,4.5
11,High,Sam,1
12,Medium,Priya,3
`

type mockChatter struct {
	calls  int
	chatFn func(ctx context.Context, messages []engine.Message) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	m.calls++
	return m.chatFn(ctx, messages)
}

type harness struct {
	store *storage.Store
	feeds *feeds.Service
	orch  *Orchestrator
}

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newHarness(t *testing.T, llm answer.Chatter, opts Options) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := feeds.NewService(store, nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	resolver := answer.NewResolver(retrieval.NewRetriever(nil, nil, store), nil, llm, "llama3.2")
	orch := New(Deps{
		Store:    store,
		Feeds:    svc,
		Planner:  planner.New(planner.Options{}),
		Executor: executor.New(opts.Now),
		Curator:  memory.NewCurator(store, nil, nil),
		Resolver: resolver,
	}, opts)
	return &harness{store: store, feeds: svc, orch: orch}
}

func (h *harness) ingest(t *testing.T, identifier, data string) {
	t.Helper()
	_, err := h.feeds.Ingest(context.Background(), feeds.IngestRequest{Identifier: identifier, Data: strings.NewReader(data)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}

func hasStep(sum RunSummary, id string) bool {
	for _, p := range sum.Plan {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestRun_CountsPriorities(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != StatusOK {
		t.Errorf("status = %s, want ok (warnings %v)", sum.Status, sum.Warnings)
	}
	if sum.Goal != DefaultGoal {
		t.Errorf("goal = %q", sum.Goal)
	}
	if sum.FeedIdentifier != "tickets" || sum.FeedVersion != 1 {
		t.Errorf("feed = %s v%d", sum.FeedIdentifier, sum.FeedVersion)
	}
	if !hasStep(sum, "count:priority") {
		t.Fatalf("plan %+v has no count:priority step", sum.Plan)
	}

	var priority *analysis.MetricResult
	for i := range sum.Completed {
		if sum.Completed[i].StepID == "count:priority" {
			priority = &sum.Completed[i]
		}
	}
	if priority == nil {
		t.Fatal("count:priority did not complete")
	}
	want := []analysis.LabelValue{{Label: "High", Value: 6}, {Label: "Medium", Value: 4}, {Label: "Low", Value: 2}}
	if len(priority.Values) != len(want) {
		t.Fatalf("values = %+v", priority.Values)
	}
	for i, lv := range want {
		if priority.Values[i] != lv {
			t.Errorf("values[%d] = %+v, want %+v", i, priority.Values[i], lv)
		}
	}
	if sum.Answer != nil {
		t.Errorf("answer = %q without a question", *sum.Answer)
	}
	if !strings.Contains(sum.FinalReport, "Count rows by priority: High (6), Medium (4), Low (2)") {
		t.Errorf("report missing priority counts:\n%s", sum.FinalReport)
	}
}

func TestRun_PersistsSummaryAndMetricRun(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := h.store.GetRunRecord(sum.RunID)
	if err != nil {
		t.Fatalf("GetRunRecord: %v", err)
	}
	if rec.Tenant != storage.DefaultTenant || rec.Status != StatusOK || rec.FeedVersion != 1 {
		t.Errorf("record = %+v", rec)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(rec.SummaryJSON), &decoded); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	for _, key := range []string{"run_id", "plan", "completed", "warnings", "context_updates", "answer", "answer_sources", "final_report", "run_log"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("summary json missing %q", key)
		}
	}
	if sources, _ := decoded["answer_sources"].([]any); sources == nil {
		t.Errorf("answer_sources = %v, want an empty array", decoded["answer_sources"])
	}

	feed, _ := h.feeds.Feed(storage.DefaultTenant, "tickets")
	v, _ := h.store.LatestVersion(feed.ID)
	mr, err := h.store.LatestMetricRun(v.ID)
	if err != nil {
		t.Fatalf("LatestMetricRun: %v", err)
	}
	if mr.RunID != sum.RunID || len(mr.Results) != len(sum.Completed) {
		t.Errorf("metric run = %s with %d results", mr.RunID, len(mr.Results))
	}
}

func TestRun_RunLogFollowsStages(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets", Question: "Which priority has the most rows?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Stage{StageBootstrap, StagePlanner, StageExecutor, StageMemory, StageQA, StageGuardrail, StageResponder}
	if len(sum.RunLog) != len(want) {
		t.Fatalf("run log has %d entries, want %d", len(sum.RunLog), len(want))
	}
	for i, s := range want {
		if sum.RunLog[i].Agent != s {
			t.Errorf("entry %d agent = %s, want %s", i, sum.RunLog[i].Agent, s)
		}
		if !sum.RunLog[i].Timestamp.Equal(fixedNow) {
			t.Errorf("entry %d timestamp = %v", i, sum.RunLog[i].Timestamp)
		}
	}
}

func TestRun_DirectAnswerSkipsModel(t *testing.T) {
	llm := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		t.Error("language model called for a direct answer")
		return "", nil
	}}
	h := newHarness(t, llm, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets", Question: "Which priority has the most rows?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Answer == nil || !sum.DirectAnswer {
		t.Fatalf("answer = %v, direct = %v", sum.Answer, sum.DirectAnswer)
	}
	if want := "High is the most common priority (6 rows). Next: Medium 4, Low 2."; *sum.Answer != want {
		t.Errorf("got %q, want %q", *sum.Answer, want)
	}
	if sum.Goal != "Which priority has the most rows?" {
		t.Errorf("goal = %q", sum.Goal)
	}
	if len(sum.AnswerSources) != 0 {
		t.Errorf("sources = %+v, want none", sum.AnswerSources)
	}
	if !strings.Contains(sum.FinalReport, "Source: verified metric count:priority") {
		t.Errorf("report:\n%s", sum.FinalReport)
	}
	if llm.calls != 0 {
		t.Errorf("llm calls = %d", llm.calls)
	}
}

func TestRun_AnswerCitesNotes(t *testing.T) {
	llm := &mockChatter{chatFn: func(_ context.Context, messages []engine.Message) (string, error) {
		if !strings.Contains(messages[0].Content, "Escalations spike after releases") {
			t.Errorf("prompt lacks the annotation:\n%s", messages[0].Content)
		}
		return `{"answer":"Releases ship regressions that customers escalate.","citations":[1]}`, nil
	}}
	h := newHarness(t, llm, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{
		Feed:        "tickets",
		Question:    "Why do escalations spike after releases?",
		Annotations: []memory.Annotation{{Text: "Escalations spike after releases because of regressions."}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Answer == nil || sum.DirectAnswer {
		t.Fatalf("answer = %v, direct = %v", sum.Answer, sum.DirectAnswer)
	}
	if len(sum.AnswerSources) != 1 {
		t.Fatalf("sources = %+v, want 1", sum.AnswerSources)
	}
	note, err := h.store.GetNote(sum.AnswerSources[0].NoteID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.Type != storage.NoteUser {
		t.Errorf("cited note type = %s, want %s", note.Type, storage.NoteUser)
	}
	if !strings.Contains(sum.FinalReport, "Sources: "+note.ID) {
		t.Errorf("report:\n%s", sum.FinalReport)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", llm.calls)
	}
}

func TestRun_EmptyDatasetFails(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "empty", "id,priority\n")

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "empty"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed", sum.Status)
	}
	found := false
	for _, w := range sum.Warnings {
		if strings.Contains(w, msgNoResults) {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want %q", sum.Warnings, msgNoResults)
	}
	if !strings.Contains(sum.FinalReport, reportNoResults) {
		t.Errorf("report:\n%s", sum.FinalReport)
	}

	feed, _ := h.feeds.Feed(storage.DefaultTenant, "empty")
	v, _ := h.store.LatestVersion(feed.ID)
	if _, err := h.store.LatestMetricRun(v.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LatestMetricRun err = %v, want ErrNotFound", err)
	}
}

func TestRun_UnansweredQuestionWarns(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{
		Feed:           "tickets",
		Question:       "What is the refund policy?",
		RefreshContext: new(bool),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != StatusOK {
		t.Errorf("status = %s, want ok", sum.Status)
	}
	if sum.Answer == nil || *sum.Answer != answer.NoContextText {
		t.Errorf("answer = %v", sum.Answer)
	}
	found := false
	for _, w := range sum.WarningDetails {
		if w.Kind == analysis.WarnGuardrail && w.Message == msgNoAnswer {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want guardrail %q", sum.Warnings, msgNoAnswer)
	}
}

func TestRun_PreviewDoesNotPersistNotes(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets", RefreshContext: new(bool)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.ContextUpdates) == 0 {
		t.Fatal("no context updates reported")
	}
	for _, u := range sum.ContextUpdates {
		if u.Result != memory.ResultPreview {
			t.Errorf("update %s/%d result = %s, want preview", u.Type, u.RowIndex, u.Result)
		}
	}
	notes, err := h.store.ListNotes(storage.DefaultTenant, memory.SourceKey("tickets"))
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("stored %d notes in preview mode", len(notes))
	}
}

func TestRun_ReportsDrift(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)
	h.ingest(t, "tickets", ticketsCSV+"13,High,Sam,2\n")

	sum, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.FeedVersion != 2 || sum.Drift == nil {
		t.Fatalf("version = %d, drift = %v", sum.FeedVersion, sum.Drift)
	}
	if sum.Drift.RowDelta != 1 || sum.Drift.PreviousVersion != 1 {
		t.Errorf("drift = %+v", sum.Drift)
	}
	if !strings.Contains(sum.FinalReport, "Feed: tickets v2 (") {
		t.Errorf("report:\n%s", sum.FinalReport)
	}
}

func TestRun_ValidationErrors(t *testing.T) {
	h := newHarness(t, nil, Options{})

	tests := []struct {
		name string
		feed string
	}{
		{"unknown feed", "missing"},
		{"bad identifier", "../etc"},
		{"blank identifier", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Run(context.Background(), RunRequest{Feed: tt.feed})
			if !analysis.IsValidation(err) {
				t.Errorf("err = %v, want a validation error", err)
			}
		})
	}
}

func TestRun_LockRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, nil, Options{LockPolicy: LockReject})
	h.ingest(t, "tickets", ticketsCSV)

	release, err := h.orch.locks.acquire(context.Background(), lockKey(storage.DefaultTenant, "tickets"), LockReject)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("err = %v, want ErrRunInProgress", err)
	}
	release()

	if _, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"}); err != nil {
		t.Errorf("Run after release: %v", err)
	}
}

func TestRun_LockQueueWaits(t *testing.T) {
	h := newHarness(t, nil, Options{LockPolicy: LockQueue})
	h.ingest(t, "tickets", ticketsCSV)

	release, err := h.orch.locks.acquire(context.Background(), lockKey(storage.DefaultTenant, "tickets"), LockQueue)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("queued run finished while the lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("queued run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued run never started")
	}
}

func TestRun_QueuedRunHonoursCancel(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	release, err := h.orch.locks.acquire(context.Background(), lockKey(storage.DefaultTenant, "tickets"), LockQueue)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.orch.Run(ctx, RunRequest{Feed: "tickets"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestLocks_OtherFeedsRunConcurrently(t *testing.T) {
	l := newSourceLocks()
	r1, err := l.acquire(context.Background(), lockKey("t", "a"), LockReject)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	r2, err := l.acquire(context.Background(), lockKey("t", "b"), LockReject)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	r3, err := l.acquire(context.Background(), lockKey("u", "a"), LockReject)
	if err != nil {
		t.Fatalf("acquire other tenant: %v", err)
	}
	r1()
	r2()
	r3()
	if len(l.locks) != 0 {
		t.Errorf("%d lock entries left after release", len(l.locks))
	}
}

func TestParseLockPolicy(t *testing.T) {
	for in, want := range map[string]LockPolicy{"": LockQueue, "queue": LockQueue, "reject": LockReject} {
		got, err := ParseLockPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseLockPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLockPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestRunLogEntry_MarshalJSONKeepsOrder(t *testing.T) {
	e := RunLogEntry{
		Agent:     StageExecutor,
		Message:   "executed plan",
		Attrs:     []Attr{A("completed", 3), A("skipped", 1), A("cached", false)},
		Timestamp: fixedNow,
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"agent":"executor","message":"executed plan","attributes":{"completed":"3","skipped":"1","cached":"false"},"timestamp":"2026-03-02T09:30:00Z"}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}
}

func TestAsk_UsesStoredRun(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)
	if _, err := h.orch.Run(context.Background(), RunRequest{Feed: "tickets"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ans, err := h.orch.Ask(context.Background(), AskRequest{Feed: "tickets", Question: "Who handled the most tickets?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ans.Direct || ans.StepID != "count:assigned_to" {
		t.Errorf("answer = %+v", ans)
	}
	if !strings.HasPrefix(ans.Text, "Alex handled 5 tickets.") {
		t.Errorf("got %q", ans.Text)
	}
}

func TestAsk_WithoutRunFallsBackToNotes(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	ans, err := h.orch.Ask(context.Background(), AskRequest{Feed: "tickets", Question: "Who handled the most tickets?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Direct || ans.Method != answer.MethodNoContext {
		t.Errorf("answer = %+v, want no_context", ans)
	}
}

func TestAsk_Validation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ingest(t, "tickets", ticketsCSV)

	if _, err := h.orch.Ask(context.Background(), AskRequest{Feed: "tickets", Question: "  "}); !analysis.IsValidation(err) {
		t.Errorf("empty question err = %v", err)
	}
	if _, err := h.orch.Ask(context.Background(), AskRequest{Feed: "nope", Question: "Who?"}); !analysis.IsValidation(err) {
		t.Errorf("unknown feed err = %v", err)
	}
}
