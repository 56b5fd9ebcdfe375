package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	panicOn string
	called  chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), errs: make(map[string]error), called: make(chan string, 16)}
}

func (f *fakeRunner) Reconcile(ctx context.Context, strategyID string) (*Result, error) {
	f.mu.Lock()
	f.calls[strategyID]++
	err := f.errs[strategyID]
	f.mu.Unlock()

	select {
	case f.called <- strategyID:
	default:
	}
	if strategyID == f.panicOn {
		panic("boom")
	}
	if err != nil {
		return nil, err
	}
	return &Result{StrategyID: strategyID}, nil
}

func (f *fakeRunner) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestScheduler_ReconcileAllIsolatesFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["s2"] = errors.New("database locked")
	runner.panicOn = "s3"
	logger := &mockLogger{}
	s := NewScheduler(runner, logger, time.Minute, []string{"s1", "s2", "s3", "s4"}, 2)

	var hooked []string
	var mu sync.Mutex
	s.OnReconciled(func(ctx context.Context, id string, res *Result) {
		mu.Lock()
		hooked = append(hooked, id)
		mu.Unlock()
	})

	results := s.ReconcileAll(context.Background())

	assert.Len(t, results, 2)
	assert.Contains(t, results, "s1")
	assert.Contains(t, results, "s4")
	assert.ElementsMatch(t, []string{"s1", "s4"}, hooked)
	assert.Len(t, logger.errorMsgs, 2)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		assert.Equal(t, 1, runner.count(id))
	}
}

func TestScheduler_Trigger(t *testing.T) {
	s := NewScheduler(newFakeRunner(), &mockLogger{}, time.Minute, []string{"s1"}, 0)

	assert.False(t, s.Trigger("unknown"))
	assert.True(t, s.Trigger("s1"))
	assert.False(t, s.Trigger("s1"), "a second trigger while one is pending is dropped")
}

func TestScheduler_RunHonoursTrigger(t *testing.T) {
	runner := newFakeRunner()
	s := NewScheduler(runner, &mockLogger{}, time.Hour, []string{"s1"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger("s1"))
	select {
	case id := <-runner.called:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("triggered reconciliation did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RunTicks(t *testing.T) {
	runner := newFakeRunner()
	s := NewScheduler(runner, &mockLogger{}, 10*time.Millisecond, []string{"s1", "s2"}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Greater(t, runner.count("s1"), 0)
	assert.Greater(t, runner.count("s2"), 0)
}

func TestScheduler_RunRejectsZeroInterval(t *testing.T) {
	s := NewScheduler(newFakeRunner(), &mockLogger{}, 0, []string{"s1"}, 0)
	assert.Error(t, s.Run(context.Background()))
}
