package aggregate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"omninotify/internal/aggregate"
	"omninotify/internal/dispatch"
	"omninotify/internal/dispatch/dispatchtest"
	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type immediateRecorder struct {
	mu   sync.Mutex
	err  error
	jobs []dispatch.Job
}

func (r *immediateRecorder) Enqueue(_ context.Context, j dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *immediateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type deliverFunc func(ctx context.Context, userID string, p dispatch.Payload) (dispatch.Result, error)

func (f deliverFunc) Deliver(ctx context.Context, userID string, p dispatch.Payload) (dispatch.Result, error) {
	return f(ctx, userID, p)
}

type fixture struct {
	st   storage.Store
	imm  *immediateRecorder
	agg  *aggregate.Aggregator
	mu   sync.Mutex
	sent []dispatch.Payload
	fail error
	hook func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: storage.NewMemory(), imm: &immediateRecorder{}}
	t.Cleanup(func() { _ = f.st.Close() })
	ctx := context.Background()
	_ = f.st.PutNode(ctx, "root", "", "Project plan")
	_ = f.st.PutNode(ctx, "leaf", "root", "Budget line")
	deliver := deliverFunc(func(_ context.Context, _ string, p dispatch.Payload) (dispatch.Result, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.hook != nil {
			f.hook()
		}
		if f.fail != nil {
			return dispatch.Result{Attempted: []string{dispatch.ChannelChat}}, f.fail
		}
		f.sent = append(f.sent, p)
		return dispatch.Result{Attempted: []string{dispatch.ChannelChat}, Succeeded: []string{dispatch.ChannelChat}}, nil
	})
	linker := tree.Linker{Host: "https://app.example", Source: f.st}
	f.agg = aggregate.New(aggregate.Config{Window: time.Minute}, f.st, f.imm, deliver, linker, dispatchtest.Logger(t), nil)
	return f
}

// subscribe stores a subscription of u1 on nodeID; a user holds at most one
// subscription per node.
func (f *fixture) subscribe(t *testing.T, id, nodeID string) model.Subscription {
	t.Helper()
	s := model.Subscription{ID: id, NodeID: nodeID, UserID: "u1", Depth: model.DepthUnbounded, OnText: true, OnData: true, CreatedAt: t0}
	if err := f.st.CreateSubscription(context.Background(), s); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return s
}

func (f *fixture) submit(t *testing.T, id string, kind model.ChangeKind, actor string, now time.Time) aggregate.Outcome {
	t.Helper()
	// Always start from the stored row, as the matcher does.
	s, err := f.st.GetSubscription(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out, err := f.agg.Submit(context.Background(), s, "leaf", kind, actor, now)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return out
}

func (f *fixture) pending(t *testing.T, id string) []model.PendingChangeEvent {
	t.Helper()
	evs, err := f.st.PendingEvents(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return evs
}

func TestSubmitRateWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "s1", "root")

	steps := []struct {
		at   time.Duration
		want aggregate.Outcome
	}{
		{0, aggregate.OutcomeImmediate},
		{10 * time.Second, aggregate.OutcomeQueued},
		{59 * time.Second, aggregate.OutcomeQueued},
		// queued changes did not move the window
		{60 * time.Second, aggregate.OutcomeImmediate},
		{61 * time.Second, aggregate.OutcomeQueued},
	}
	for _, st := range steps {
		if got := f.submit(t, "s1", model.ChangeText, "editor", t0.Add(st.at)); got != st.want {
			t.Fatalf("at +%s: got %s want %s", st.at, got, st.want)
		}
	}
	if f.imm.count() != 2 {
		t.Fatalf("immediate jobs=%d", f.imm.count())
	}
	j := f.imm.jobs[0]
	if j.UserID != "u1" || j.Payload.Kind != dispatch.KindChange || j.Payload.Node.ID != "leaf" ||
		j.Payload.Change.ActorID != "editor" || j.Payload.Node.URL != "https://app.example/block/leaf" {
		t.Fatalf("job: %+v", j)
	}
	if n := len(f.pending(t, "s1")); n != 3 {
		t.Fatalf("pending=%d", n)
	}
	s, _ := f.st.GetSubscription(context.Background(), "s1")
	if !s.LastNotificationAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last=%v", s.LastNotificationAt)
	}
}

func TestSubmitConcurrentSingleImmediate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.subscribe(t, "s1", "root")

	const n = 16
	var wg sync.WaitGroup
	outs := make([]aggregate.Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every caller holds the same stale copy
			out, err := f.agg.Submit(context.Background(), sub, "leaf", model.ChangeData, "", t0)
			if err != nil {
				t.Errorf("submit: %v", err)
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()

	imm := 0
	for _, o := range outs {
		if o == aggregate.OutcomeImmediate {
			imm++
		}
	}
	if imm != 1 || f.imm.count() != 1 {
		t.Fatalf("immediate outcomes=%d jobs=%d", imm, f.imm.count())
	}
	if got := len(f.pending(t, "s1")); got != n-1 {
		t.Fatalf("pending=%d", got)
	}
}

func TestSubmitQueueFullFallsBackToPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "s1", "root")
	f.imm.err = dispatch.ErrQueueFull

	if got := f.submit(t, "s1", model.ChangeText, "", t0); got != aggregate.OutcomeQueued {
		t.Fatalf("got %s", got)
	}
	if n := len(f.pending(t, "s1")); n != 1 {
		t.Fatalf("pending=%d", n)
	}
}

func TestSubmitVanishedSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.subscribe(t, "s1", "root")
	if err := f.st.DeleteSubscription(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	out, err := f.agg.Submit(context.Background(), sub, "leaf", model.ChangeText, "", t0)
	if err != nil || out != aggregate.OutcomeSkipped {
		t.Fatalf("out=%s err=%v", out, err)
	}
}

func TestFlushSingleAndAggregated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "one", "leaf")
	f.subscribe(t, "many", "root")
	ctx := context.Background()

	// take the window first so everything else queues
	f.submit(t, "one", model.ChangeText, "", t0)
	f.submit(t, "many", model.ChangeText, "", t0)
	f.submit(t, "one", model.ChangeData, "bob", t0.Add(time.Second))
	f.submit(t, "many", model.ChangeText, "ann", t0.Add(time.Second))
	f.submit(t, "many", model.ChangeData, "bob", t0.Add(2*time.Second))
	f.submit(t, "many", model.ChangeText, "ann", t0.Add(3*time.Second))

	rep, err := f.agg.FlushPending(ctx, t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rep.Groups != 2 || rep.Delivered != 2 || rep.Events != 4 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}

	var single, agg *dispatch.Payload
	for i := range f.sent {
		switch f.sent[i].Kind {
		case dispatch.KindChange:
			single = &f.sent[i]
		case dispatch.KindAggregated:
			agg = &f.sent[i]
		}
	}
	if single == nil || single.Change.Kind != model.ChangeData || single.Change.ActorID != "bob" || single.Node.ID != "leaf" {
		t.Fatalf("single: %+v", single)
	}
	if agg == nil || agg.Summary.Total != 3 || agg.Summary.ByKind[model.ChangeText] != 2 ||
		agg.Summary.ByKind[model.ChangeData] != 1 || agg.Node.ID != "root" {
		t.Fatalf("aggregated: %+v", agg)
	}
	if len(agg.Summary.Actors) != 2 || agg.Summary.Actors[0] != "ann" || agg.Summary.Actors[1] != "bob" {
		t.Fatalf("actors: %v", agg.Summary.Actors)
	}
	if len(f.pending(t, "one"))+len(f.pending(t, "many")) != 0 {
		t.Fatal("pending left after flush")
	}
}

func TestFlushFailureKeepsEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "s1", "root")
	f.submit(t, "s1", model.ChangeText, "", t0)
	f.submit(t, "s1", model.ChangeText, "", t0.Add(time.Second))
	f.fail = dispatch.ErrAllChannelsFailed

	rep, err := f.agg.FlushPending(context.Background(), t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rep.Failed != 1 || rep.Delivered != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if n := len(f.pending(t, "s1")); n != 1 {
		t.Fatalf("pending=%d", n)
	}

	f.fail = nil
	if rep, _ := f.agg.FlushPending(context.Background(), t0.Add(3*time.Second)); rep.Delivered != 1 {
		t.Fatalf("retry: %+v", rep)
	}
}

func TestFlushDeletesOnlyEventsItRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "s1", "root")
	f.submit(t, "s1", model.ChangeText, "", t0)
	f.submit(t, "s1", model.ChangeText, "", t0.Add(time.Second))

	late := model.PendingChangeEvent{ID: "late", SubscriptionID: "s1", UserID: "u1", NodeID: "leaf", Kind: model.ChangeData, CreatedAt: t0.Add(2 * time.Second)}
	f.hook = func() {
		f.hook = nil
		if err := f.st.EnqueuePending(context.Background(), late); err != nil {
			t.Errorf("enqueue late: %v", err)
		}
	}
	if _, err := f.agg.FlushPending(context.Background(), t0.Add(3*time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	left := f.pending(t, "s1")
	if len(left) != 1 || left[0].ID != "late" {
		t.Fatalf("left: %+v", left)
	}
}

func TestFlushPrunesAndDiscards(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "old", "root")
	f.subscribe(t, "gone", "leaf")
	ctx := context.Background()

	f.submit(t, "old", model.ChangeText, "", t0)
	f.submit(t, "old", model.ChangeText, "", t0.Add(time.Second))
	f.submit(t, "gone", model.ChangeText, "", t0.Add(20*time.Hour))
	f.submit(t, "gone", model.ChangeText, "", t0.Add(20*time.Hour+time.Second))
	if err := f.st.DeleteSubscription(ctx, "gone"); err != nil && !errors.Is(err, model.ErrNotFound) {
		t.Fatal(err)
	}

	rep, err := f.agg.FlushPending(ctx, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rep.Pruned != 1 || rep.Discarded != 1 || rep.Delivered != 0 || len(f.sent) != 0 {
		t.Fatalf("report: %+v sent=%d", rep, len(f.sent))
	}
	if n := len(f.pending(t, "gone")); n != 0 {
		t.Fatalf("orphaned pending=%d", n)
	}
}
