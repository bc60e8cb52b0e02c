package submission_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-studio/internal/audit"
	"github.com/basket/go-studio/internal/escrow"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/queue"
	"github.com/basket/go-studio/internal/submission"
	"github.com/basket/go-studio/internal/tasktype"
	"github.com/basket/go-studio/internal/watchdog"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *auditRecorder) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type harness struct {
	store *persistence.Store
	clock *clock
	audit *auditRecorder
	svc   *submission.Service
}

type options struct {
	ledger   escrow.Ledger
	queue    submission.Queue
	maxDepth int
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "studio.db"), persistence.WithClock(c.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	types, err := tasktype.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ledger := opts.ledger
	if ledger == nil {
		ledger = store
	}
	q := opts.queue
	realQueue := queue.New(store, nil)
	if q == nil {
		q = realQueue
	}
	esc := escrow.New(ledger, store, nil, nil)
	pub := events.NewPublisher(store, nil, []string{"storyboard"}, nil, nil)
	rec := &auditRecorder{}
	wd := watchdog.New(watchdog.Deps{Store: store, Escrow: esc, Events: pub, Queue: realQueue, Audit: rec})

	svc := submission.New(submission.Deps{
		Store:      store,
		Types:      types,
		Escrow:     esc,
		Queue:      q,
		Reconciler: wd,
		Events:     pub,
		Audit:      rec,
	}, submission.Config{MaxQueueDepth: opts.maxDepth})

	if _, err := store.CreditAccount(context.Background(), "user-1", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return &harness{store: store, clock: c, audit: rec, svc: svc}
}

func imageParams(dedupe string) submission.Params {
	return submission.Params{
		UserID:    "user-1",
		ProjectID: "proj-1",
		Type:      string(tasktype.ImageGenerate),
		Payload:   json.RawMessage(`{"prompt":"a lighthouse","count":2}`),
		DedupeKey: dedupe,
	}
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.store.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) eventTypes(t *testing.T, taskID string) []string {
	t.Helper()
	rows, err := h.store.ListTaskEventsAfter(context.Background(), "proj-1", 0, 200)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []string
	for _, r := range rows {
		if r.TaskID == taskID {
			out = append(out, r.EventType)
		}
	}
	return out
}

func TestSubmit_BillableTaskIsQueuedWithHold(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Deduped || res.Status != persistence.TaskStatusQueued || res.TaskID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	job, err := h.store.GetJob(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Partition != string(tasktype.PartitionMedia) || job.Status != persistence.JobStatusWaiting {
		t.Fatalf("unexpected job: %+v", job)
	}
	hold, err := h.store.GetHold(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if hold.Amount != 8 || hold.Status != persistence.HoldFrozen {
		t.Fatalf("unexpected hold: %+v", hold)
	}
	if got := h.balance(t); got != 92 {
		t.Fatalf("balance = %d, want 92", got)
	}
	if got := h.eventTypes(t, res.TaskID); len(got) != 1 || got[0] != events.TypeCreated {
		t.Fatalf("events = %v", got)
	}
}

func TestSubmit_ValidationCreatesNothing(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	cases := []submission.Params{
		{UserID: "user-1", ProjectID: "proj-1", Type: "image.generate", Payload: json.RawMessage(`{"count":2}`)},
		{UserID: "user-1", ProjectID: "proj-1", Type: "image.generate", Payload: json.RawMessage(`{"prompt":"x","count":20}`)},
		{UserID: "user-1", ProjectID: "proj-1", Type: "music.generate", Payload: json.RawMessage(`{}`)},
		{ProjectID: "proj-1", Type: "image.generate", Payload: json.RawMessage(`{"prompt":"x"}`)},
	}
	for _, p := range cases {
		res, err := h.svc.Submit(ctx, p)
		if !errors.Is(err, submission.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", p.Type, err)
		}
		if res.TaskID != "" {
			t.Fatalf("%s: validation failure created task %s", p.Type, res.TaskID)
		}
	}
	tasks, total, err := h.store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if total != 0 || len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", total)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestSubmit_DedupeReturnsLiveTaskWithoutSideEffects(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, imageParams("K1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := h.svc.Submit(ctx, imageParams("K1"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Deduped || second.TaskID != first.TaskID {
		t.Fatalf("expected dedupe onto %s, got %+v", first.TaskID, second)
	}
	if got := h.balance(t); got != 92 {
		t.Fatalf("dedupe froze again: balance = %d", got)
	}
	if got := h.eventTypes(t, first.TaskID); len(got) != 1 {
		t.Fatalf("dedupe published events: %v", got)
	}
}

func TestSubmit_ConcurrentDedupeCreatesOneTask(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	const n = 8
	results := make([]submission.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Submit(ctx, imageParams("K-race"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if !results[i].Deduped {
			created++
		}
		if results[i].TaskID != results[0].TaskID {
			t.Fatalf("submit %d got task %s, want %s", i, results[i].TaskID, results[0].TaskID)
		}
	}
	if created != 1 {
		t.Fatalf("created %d tasks, want 1", created)
	}
	if got := h.balance(t); got != 92 {
		t.Fatalf("balance = %d, want 92", got)
	}
}

func TestSubmit_EvictsOrphanHolder(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, imageParams("K1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// The job disappears without the task reaching a terminal state.
	if _, err := h.store.RemoveWaitingJobs(ctx, first.TaskID); err != nil {
		t.Fatalf("remove job: %v", err)
	}
	h.clock.Advance(time.Minute)

	second, err := h.svc.Submit(ctx, imageParams("K1"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Deduped || second.TaskID == first.TaskID {
		t.Fatalf("orphan was not evicted: %+v", second)
	}
	orphan, _ := h.store.GetTask(ctx, first.TaskID)
	if orphan.Status != persistence.TaskStatusFailed || orphan.ErrorCode != persistence.ReasonOrphanReconciled {
		t.Fatalf("orphan: status=%s code=%s", orphan.Status, orphan.ErrorCode)
	}
	// First hold refunded, second frozen.
	if got := h.balance(t); got != 92 {
		t.Fatalf("balance = %d, want 92", got)
	}
	if len(h.audit.entries) != 1 || h.audit.entries[0].Action != audit.ActionOrphanEvicted {
		t.Fatalf("audit = %+v", h.audit.entries)
	}
}

func TestSubmit_InsufficientBalanceFailsTask(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, submission.Params{
		UserID: "user-1", ProjectID: "proj-1", Type: string(tasktype.VideoGenerate),
		Payload: json.RawMessage(`{"prompt":"storm","duration_sec":10}`),
	})
	if !errors.Is(err, escrow.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if res.Status != persistence.TaskStatusFailed || res.ErrorCode != persistence.ReasonInsufficientBalance {
		t.Fatalf("unexpected result: %+v", res)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("task status = %s", task.Status)
	}
	if _, err := h.store.GetJob(ctx, res.TaskID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("job should not exist: %v", err)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, string, queue.Options) error {
	return errors.New("queue offline")
}
func (brokenQueue) Remove(context.Context, string) error     { return nil }
func (brokenQueue) Depth(context.Context, string) (int, error) { return 0, nil }

type failingRollback struct {
	*persistence.Store
}

func (failingRollback) RollbackHold(context.Context, string) (*persistence.Hold, error) {
	return nil, errors.New("ledger offline")
}

func TestSubmit_EnqueueFailureRefunds(t *testing.T) {
	h := newHarness(t, options{queue: brokenQueue{}})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams("K1"))
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if res.ErrorCode != persistence.ReasonEnqueueFailed {
		t.Fatalf("code = %s", res.ErrorCode)
	}
	hold, _ := h.store.GetHold(ctx, res.TaskID)
	if hold.Status != persistence.HoldRolledBack {
		t.Fatalf("hold = %s", hold.Status)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	// The dedupe key is free again.
	if _, err := h.store.FindActiveByDedupeKey(ctx, "K1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("dedupe key still held: %v", err)
	}
}

func TestSubmit_EnqueueFailureWithFailedCompensation(t *testing.T) {
	h := newHarness(t, options{queue: brokenQueue{}})
	h.svc = submission.New(submission.Deps{
		Store:  h.store,
		Types:  mustRegistry(t),
		Escrow: escrow.New(failingRollback{h.store}, h.store, nil, nil),
		Queue:  brokenQueue{},
		Audit:  h.audit,
	}, submission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if res.ErrorCode != persistence.ReasonEnqueueCompensationFailed {
		t.Fatalf("code = %s", res.ErrorCode)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if task.Status != persistence.TaskStatusFailed || task.ErrorCode != persistence.ReasonEnqueueCompensationFailed {
		t.Fatalf("task: status=%s code=%s", task.Status, task.ErrorCode)
	}
	if len(h.audit.entries) != 1 || h.audit.entries[0].Action != audit.ActionCompensationFailed {
		t.Fatalf("audit = %+v", h.audit.entries)
	}
}

type failingSnapshots struct{}

func (failingSnapshots) SetBillingInfo(context.Context, string, json.RawMessage) error {
	return errors.New("disk full")
}

func TestSubmit_SnapshotFailureReleasesHold(t *testing.T) {
	h := newHarness(t, options{})
	h.svc = submission.New(submission.Deps{
		Store:  h.store,
		Types:  mustRegistry(t),
		Escrow: escrow.New(h.store, failingSnapshots{}, nil, nil),
		Queue:  queue.New(h.store, nil),
		Audit:  h.audit,
	}, submission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err == nil {
		t.Fatal("expected freeze error")
	}
	if res.Status != persistence.TaskStatusFailed || res.ErrorCode != persistence.ReasonExecutionFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	hold, err := h.store.GetHold(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if hold.Status != persistence.HoldRolledBack {
		t.Fatalf("hold = %+v, want rolled back", hold)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	if _, err := h.store.GetJob(ctx, res.TaskID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("job should not exist: %v", err)
	}
}

func TestSubmit_SnapshotAndReleaseFailureIsAudited(t *testing.T) {
	h := newHarness(t, options{})
	h.svc = submission.New(submission.Deps{
		Store:  h.store,
		Types:  mustRegistry(t),
		Escrow: escrow.New(failingRollback{h.store}, failingSnapshots{}, nil, nil),
		Queue:  queue.New(h.store, nil),
		Audit:  h.audit,
	}, submission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if !errors.Is(err, escrow.ErrCompensationFailed) {
		t.Fatalf("expected ErrCompensationFailed, got %v", err)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if task.Status != persistence.TaskStatusFailed || task.ErrorCode != persistence.ReasonCompensationFailed {
		t.Fatalf("task: status=%s code=%s", task.Status, task.ErrorCode)
	}
	if len(h.audit.entries) != 1 || h.audit.entries[0].Action != audit.ActionCompensationFailed {
		t.Fatalf("audit = %+v", h.audit.entries)
	}
}

// unreadableTasks fails every task reload, as a locked or broken store would.
type unreadableTasks struct {
	*persistence.Store
}

func (unreadableTasks) GetTask(context.Context, string) (*persistence.Task, error) {
	return nil, errors.New("database is locked")
}

func TestSubmit_EnqueueFailureRefundsWithoutTaskReload(t *testing.T) {
	h := newHarness(t, options{})
	h.svc = submission.New(submission.Deps{
		Store:  unreadableTasks{h.store},
		Types:  mustRegistry(t),
		Escrow: escrow.New(h.store, h.store, nil, nil),
		Queue:  brokenQueue{},
		Audit:  h.audit,
	}, submission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if res.ErrorCode != persistence.ReasonEnqueueFailed {
		t.Fatalf("code = %s", res.ErrorCode)
	}
	hold, _ := h.store.GetHold(ctx, res.TaskID)
	if hold.Status != persistence.HoldRolledBack {
		t.Fatalf("hold = %s", hold.Status)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestSubmit_EnqueueFailureWithoutReloadOrRefundIsCompensationFailed(t *testing.T) {
	h := newHarness(t, options{})
	h.svc = submission.New(submission.Deps{
		Store:  unreadableTasks{h.store},
		Types:  mustRegistry(t),
		Escrow: escrow.New(failingRollback{h.store}, h.store, nil, nil),
		Queue:  brokenQueue{},
		Audit:  h.audit,
	}, submission.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if res.ErrorCode != persistence.ReasonEnqueueCompensationFailed {
		t.Fatalf("code = %s", res.ErrorCode)
	}
	if len(h.audit.entries) != 1 || h.audit.entries[0].Code != persistence.ReasonEnqueueCompensationFailed {
		t.Fatalf("audit = %+v", h.audit.entries)
	}
}

// snoopingQueue records which events were already logged for a task when its
// job was enqueued.
type snoopingQueue struct {
	submission.Queue
	store  *persistence.Store
	seenAt map[string][]string
}

func (q *snoopingQueue) Enqueue(ctx context.Context, taskID, taskType string, opts queue.Options) error {
	rows, err := q.store.ListTaskEventsAfter(ctx, "proj-1", 0, 200)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.TaskID == taskID {
			q.seenAt[taskID] = append(q.seenAt[taskID], r.EventType)
		}
	}
	return q.Queue.Enqueue(ctx, taskID, taskType, opts)
}

func TestSubmit_CreatedEventPrecedesJob(t *testing.T) {
	h := newHarness(t, options{})
	snoop := &snoopingQueue{Queue: queue.New(h.store, nil), store: h.store, seenAt: map[string][]string{}}
	h.svc = submission.New(submission.Deps{
		Store:  h.store,
		Types:  mustRegistry(t),
		Escrow: escrow.New(h.store, h.store, nil, nil),
		Queue:  snoop,
		Events: events.NewPublisher(h.store, nil, nil, nil, nil),
	}, submission.Config{})

	res, err := h.svc.Submit(context.Background(), imageParams(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := snoop.seenAt[res.TaskID]; len(got) != 1 || got[0] != events.TypeCreated {
		t.Fatalf("events logged before enqueue = %v", got)
	}
}

func TestSubmit_EnqueueFailureLogsCreatedThenFailed(t *testing.T) {
	h := newHarness(t, options{queue: brokenQueue{}})

	res, err := h.svc.Submit(context.Background(), imageParams(""))
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	got := h.eventTypes(t, res.TaskID)
	if len(got) != 2 || got[0] != events.TypeCreated || got[1] != events.TypeFailed {
		t.Fatalf("events = %v", got)
	}
}

func mustRegistry(t *testing.T) *tasktype.Registry {
	t.Helper()
	r, err := tasktype.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestSubmit_WorkflowTypeGetsRun(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, submission.Params{
		UserID: "user-1", ProjectID: "proj-1", Type: string(tasktype.TextStoryboard),
		Payload: json.RawMessage(`{"script":"INT. KITCHEN - NIGHT","scenes":3}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("storyboard task should carry a run")
	}
	run, err := h.store.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.TaskID != res.TaskID || run.WorkflowType != "storyboard" || run.Status != persistence.RunStatusQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if tasktype.RunIDFrom(task.Payload) != res.RunID || task.RunID != res.RunID {
		t.Fatalf("run id not attached: payload=%s run=%s", task.Payload, task.RunID)
	}
	// 10 base + 2 per scene.
	if got := h.balance(t); got != 84 {
		t.Fatalf("balance = %d, want 84", got)
	}
}

func TestSubmit_NonBillableSkipsEscrow(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, submission.Params{
		UserID: "user-1", ProjectID: "proj-1", Type: string(tasktype.TextAnalyze),
		Payload: json.RawMessage(`{"text":"a long afternoon"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.store.GetHold(ctx, res.TaskID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("non-billable task froze a hold: %v", err)
	}
	job, err := h.store.GetJob(ctx, res.TaskID)
	if err != nil || job.Partition != string(tasktype.PartitionText) {
		t.Fatalf("job = %+v err = %v", job, err)
	}
}

func TestSubmit_BackpressureRejects(t *testing.T) {
	h := newHarness(t, options{maxDepth: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Submit(ctx, imageParams("")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	res, err := h.svc.Submit(ctx, imageParams(""))
	if !errors.Is(err, submission.ErrQueueSaturated) || res.TaskID != "" {
		t.Fatalf("expected saturation, got res=%+v err=%v", res, err)
	}
	// Another partition is unaffected.
	if _, err := h.svc.Submit(ctx, submission.Params{
		UserID: "user-1", ProjectID: "proj-1", Type: string(tasktype.TextAnalyze),
		Payload: json.RawMessage(`{"text":"ok"}`),
	}); err != nil {
		t.Fatalf("text partition submit: %v", err)
	}
}

func TestCancel_RefundsAndDropsJob(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, submission.Params{
		UserID: "user-1", ProjectID: "proj-1", Type: string(tasktype.TextStoryboard),
		Payload: json.RawMessage(`{"script":"EXT. PIER - DAWN","scenes":1}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := h.svc.Cancel(ctx, res.TaskID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if task.Status != persistence.TaskStatusFailed || task.ErrorCode != persistence.ReasonTaskCancelled {
		t.Fatalf("task: status=%s code=%s", task.Status, task.ErrorCode)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	if _, err := h.store.GetJob(ctx, res.TaskID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("waiting job not removed: %v", err)
	}
	run, _ := h.store.GetRun(ctx, res.RunID)
	if run.Status != persistence.RunStatusCanceled {
		t.Fatalf("run status = %s", run.Status)
	}

	again, err := h.svc.Cancel(ctx, res.TaskID)
	if err != nil || again {
		t.Fatalf("second cancel should be a no-op: again=%v err=%v", again, err)
	}
	if got := h.balance(t); got != 100 {
		t.Fatalf("double refund: balance = %d", got)
	}
}

func TestDismiss_OnlyFailedTasks(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, imageParams(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := h.svc.Dismiss(ctx, res.TaskID); err != nil || ok {
		t.Fatalf("dismissing a queued task: ok=%v err=%v", ok, err)
	}
	if _, err := h.svc.Cancel(ctx, res.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, err := h.svc.Dismiss(ctx, res.TaskID); err != nil || !ok {
		t.Fatalf("dismiss: ok=%v err=%v", ok, err)
	}
	task, _ := h.store.GetTask(ctx, res.TaskID)
	if task.Status != persistence.TaskStatusDismissed {
		t.Fatalf("status = %s", task.Status)
	}
	types := h.eventTypes(t, res.TaskID)
	if types[len(types)-1] != events.TypeDismissed {
		t.Fatalf("events = %v", types)
	}
	if _, err := h.svc.Dismiss(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
