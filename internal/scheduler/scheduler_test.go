package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *log.Logger {
	l := log.New()
	l.SetOutput(discardWriter{})
	return l
}

type fakeRepo struct {
	mu      sync.Mutex
	entries map[string]*ScheduleEntry
	fires   map[string]bool
	leader  string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: map[string]*ScheduleEntry{}, fires: map[string]bool{}}
}

func (r *fakeRepo) ListEnabled(ctx context.Context) ([]*ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ScheduleEntry
	for _, e := range r.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepo) Upsert(ctx context.Context, entry *ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.WorkflowID] = entry
	return nil
}

func (r *fakeRepo) AdvanceNextFire(ctx context.Context, workflowID string, next time.Time, missed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workflowID]; ok {
		e.NextFireAt = next
		e.MissedCount = missed
	}
	return nil
}

func (r *fakeRepo) AcquireLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leader == "" || r.leader == holderID {
		r.leader = holderID
		return true, nil
	}
	return false, nil
}

func (r *fakeRepo) RenewLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader == holderID, nil
}

func (r *fakeRepo) ReleaseLease(ctx context.Context, holderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leader == holderID {
		r.leader = ""
	}
	return nil
}

func (r *fakeRepo) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := workflowID + "|" + dedupKey
	if r.fires[key] {
		return false, nil
	}
	r.fires[key] = true
	return true, nil
}

func TestTickOnceEnqueuesDueSchedule(t *testing.T) {
	repo := newFakeRepo()
	repo.entries["wf1"] = &ScheduleEntry{WorkflowID: "wf1", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, NextFireAt: time.Now().Add(-time.Minute)}

	var mu sync.Mutex
	var enqueued []string
	enqueue := func(ctx context.Context, workflowID string, input map[string]interface{}, origin string) error {
		mu.Lock()
		defer mu.Unlock()
		enqueued = append(enqueued, workflowID)
		return nil
	}

	s := New(repo, enqueue, testLogger(), "holder1", time.Second)
	s.tickOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(enqueued) != 1 || enqueued[0] != "wf1" {
		t.Fatalf("expected one enqueue for wf1, got %v", enqueued)
	}
}

func TestTickOnceDedupsRepeatedFire(t *testing.T) {
	repo := newFakeRepo()
	fireAt := time.Now().Add(-time.Minute)
	repo.entries["wf1"] = &ScheduleEntry{WorkflowID: "wf1", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, NextFireAt: fireAt}

	var count int
	enqueue := func(ctx context.Context, workflowID string, input map[string]interface{}, origin string) error {
		count++
		return nil
	}
	s := New(repo, enqueue, testLogger(), "holder1", time.Second)
	s.tickOnce(context.Background())

	// Reset nextFireAt back to the same already-fired instant to simulate
	// a duplicate tick; TryRecordFire must reject the repeat.
	repo.mu.Lock()
	repo.entries["wf1"].NextFireAt = fireAt
	repo.mu.Unlock()
	s.tickOnce(context.Background())

	if count != 1 {
		t.Fatalf("expected exactly one enqueue across both ticks, got %d", count)
	}
}

func TestTickOnceCoalescesMissedFires(t *testing.T) {
	repo := newFakeRepo()
	// Three minutes have passed with a once-a-minute schedule: three
	// instants were missed, must coalesce into one fire.
	repo.entries["wf1"] = &ScheduleEntry{WorkflowID: "wf1", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, NextFireAt: time.Now().Add(-3 * time.Minute)}

	var count int
	var lastInput map[string]interface{}
	enqueue := func(ctx context.Context, workflowID string, input map[string]interface{}, origin string) error {
		count++
		lastInput = input
		return nil
	}
	s := New(repo, enqueue, testLogger(), "holder1", time.Second)
	s.tickOnce(context.Background())

	if count != 1 {
		t.Fatalf("expected exactly one coalesced enqueue, got %d", count)
	}
	if lastInput["_skippedFires"] == nil {
		t.Fatalf("expected _skippedFires metadata on coalesced fire")
	}
}

func TestAcquireLeaseSingleLeader(t *testing.T) {
	repo := newFakeRepo()
	ok1, _ := repo.AcquireLease(context.Background(), "a", time.Second)
	ok2, _ := repo.AcquireLease(context.Background(), "b", time.Second)
	if !ok1 || ok2 {
		t.Fatalf("expected only the first holder to acquire the lease, got %v %v", ok1, ok2)
	}
}
