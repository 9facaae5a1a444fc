package automation

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

// failingStore fails book updates and notification inserts on demand.
type failingStore struct {
	*storage.MemoryStorage
	failUpdate bool
	failInsert bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) UpdateBook(ctx context.Context, id uint64, patch types.BookPatch) error {
	if s.failUpdate {
		return errStoreDown
	}
	return s.MemoryStorage.UpdateBook(ctx, id, patch)
}

func (s *failingStore) InsertNotifications(ctx context.Context, n []types.Notification) error {
	if s.failInsert {
		return errStoreDown
	}
	return s.MemoryStorage.InsertNotifications(ctx, n)
}

// staticRules returns the same rules for every trigger, unfiltered.
type staticRules struct {
	rules []types.AutomationRule
	err   error
}

func (r staticRules) SaveRule(context.Context, types.AutomationRule) error { return nil }
func (r staticRules) DeleteRule(context.Context, uint64) error             { return nil }

func (r staticRules) ListRules(context.Context) ([]types.AutomationRule, error) {
	return r.rules, r.err
}

func (r staticRules) ListActiveRulesForTrigger(context.Context, types.TriggerType) ([]types.AutomationRule, error) {
	out := make([]types.AutomationRule, len(r.rules))
	copy(out, r.rules)
	return out, r.err
}

// recordingExecutor records the rules it ran. A rule ID listed in fail
// returns an error; one listed in panics panics.
type recordingExecutor struct {
	mu     sync.Mutex
	ran    []uint64
	fail   map[uint64]bool
	panics map[uint64]bool
}

func (x *recordingExecutor) Execute(_ context.Context, rule types.AutomationRule, _ types.EventContext) (Result, error) {
	x.mu.Lock()
	x.ran = append(x.ran, rule.ID)
	x.mu.Unlock()
	if x.panics[rule.ID] {
		panic("executor exploded")
	}
	if x.fail[rule.ID] {
		return Result{}, errors.New("action failed")
	}
	return Result{}, nil
}

func (x *recordingExecutor) Ran() []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]uint64, len(x.ran))
	copy(out, x.ran)
	return out
}

func rule(id uint64, priority int, trigger types.Trigger, action types.Action) types.AutomationRule {
	return types.AutomationRule{
		ID:       id,
		Name:     "rule",
		Trigger:  trigger,
		Action:   action,
		IsActive: true,
		Priority: priority,
	}
}

func bookAt(id uint64, stage types.Stage) *types.Book {
	return &types.Book{
		ID:           id,
		Title:        "Risalo",
		CurrentStage: stage,
		Status:       types.StatusNotStarted,
		TotalPages:   400,
	}
}
