package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/bookflow/storage"
	"github.com/songzhibin97/bookflow/types"
)

func newTestEngine(t *testing.T, repo storage.RuleRepository, executor ActionExecutor, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := NewEngine(repo, executor, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, &recordingExecutor{})
	assert.Error(t, err)

	_, err = NewEngine(storage.NewMemoryStorage(), nil)
	assert.Error(t, err)

	e, err := NewEngine(storage.NewMemoryStorage(), &recordingExecutor{}, WithTimeout(0))
	require.NoError(t, err)
	assert.NotNil(t, e.evaluator)
	assert.Equal(t, time.Duration(0), e.timeout)
}

func TestEngine_PriorityOrdering(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for i, p := range []int{10, 5, 10, 1} {
		require.NoError(t, store.SaveRule(ctx, rule(uint64(i+1), p, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))
	}

	executor := &recordingExecutor{}
	e := newTestEngine(t, store, executor)

	summary, err := e.Run(ctx, types.TriggerRecordCreated, types.EventContext{Book: bookAt(1, types.StageScanning)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 2, 4}, executor.Ran())
	assert.Equal(t, 4, summary.Candidates)
	assert.Equal(t, 4, summary.Succeeded)
	assert.NotEmpty(t, summary.InvocationID)
}

func TestEngine_ReordersRepositoryOutput(t *testing.T) {
	repo := staticRules{rules: []types.AutomationRule{
		rule(1, 1, types.RecordCreatedTrigger{}, types.UpdateStatusAction{}),
		rule(2, 7, types.RecordCreatedTrigger{}, types.UpdateStatusAction{}),
		rule(3, 7, types.ScheduledCheckTrigger{}, types.UpdateStatusAction{}),
		{ID: 4, Name: "off", Trigger: types.RecordCreatedTrigger{}, Action: types.UpdateStatusAction{}, Priority: 9},
	}}
	executor := &recordingExecutor{}
	e := newTestEngine(t, repo, executor)

	summary, err := e.Run(context.Background(), types.TriggerRecordCreated, types.EventContext{Book: bookAt(1, types.StageScanning)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1}, executor.Ran())
	assert.Equal(t, 2, summary.Candidates)
}

func TestEngine_UnknownTriggerFailsClosed(t *testing.T) {
	drifted := rule(1, 100, types.UnknownTrigger{Kind: "hourly"}, types.UpdateStatusAction{})
	executor := &recordingExecutor{}
	e := newTestEngine(t, staticRules{rules: []types.AutomationRule{drifted}}, executor)

	for _, trigger := range []types.TriggerType{"hourly", types.TriggerRecordCreated, types.TriggerScheduledCheck} {
		ectx := types.EventContext{CompletedStage: types.StageScanning, Book: bookAt(1, types.StageScanning)}.WithPages(1000)
		summary, err := e.Run(context.Background(), trigger, ectx)
		require.NoError(t, err)
		assert.Zero(t, summary.Matched, trigger)
	}
	assert.Empty(t, executor.Ran())
}

func TestEngine_Isolation(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveRule(ctx, rule(1, 10, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))
	require.NoError(t, store.SaveRule(ctx, rule(2, 5, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))
	require.NoError(t, store.SaveRule(ctx, rule(3, 1, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))

	t.Run("error", func(t *testing.T) {
		executor := &recordingExecutor{fail: map[uint64]bool{1: true}}
		e := newTestEngine(t, store, executor)

		summary, err := e.Run(ctx, types.TriggerRecordCreated, types.EventContext{Book: bookAt(1, types.StageScanning)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, executor.Ran())
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 2, summary.Succeeded)
	})

	t.Run("panic", func(t *testing.T) {
		executor := &recordingExecutor{panics: map[uint64]bool{2: true}}
		e := newTestEngine(t, store, executor)

		summary, err := e.Run(ctx, types.TriggerRecordCreated, types.EventContext{Book: bookAt(1, types.StageScanning)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, executor.Ran())
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 2, summary.Succeeded)
	})

	t.Run("store failure", func(t *testing.T) {
		failing := &failingStore{MemoryStorage: storage.NewMemoryStorage(), failUpdate: true}
		require.NoError(t, failing.CreateBook(ctx, *bookAt(1, types.StageScanning)))
		book := bookAt(1, types.StageScanning)
		book.AssignedToScanning = "a@x"

		require.NoError(t, failing.SaveRule(ctx, rule(1, 10, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))
		require.NoError(t, failing.SaveRule(ctx, rule(2, 5, types.RecordCreatedTrigger{}, types.SendNotificationAction{Template: "{book_title}"})))

		x, err := NewExecutor(failing, failing, &MockGenerator{}, quietLogger())
		require.NoError(t, err)
		e := newTestEngine(t, failing, x, WithRunRecorder(failing, &MockGenerator{}))

		summary, err := e.Run(ctx, types.TriggerRecordCreated, types.EventContext{Book: book})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 1, summary.Succeeded)

		notes, err := failing.ListNotifications(ctx, "a@x")
		require.NoError(t, err)
		assert.Len(t, notes, 1)

		runs := failing.Runs()
		require.Len(t, runs, 2)
		assert.Equal(t, types.RunFailed, runs[0].Status)
		assert.Contains(t, runs[0].Message, errStoreDown.Error())
		assert.Equal(t, types.RunSuccess, runs[1].Status)
	})
}

func TestEngine_RuleFetchFailure(t *testing.T) {
	executor := &recordingExecutor{}
	e := newTestEngine(t, staticRules{err: errStoreDown}, executor)

	_, err := e.Run(context.Background(), types.TriggerRecordCreated, types.EventContext{})
	assert.ErrorIs(t, err, ErrRulesUnavailable)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, executor.Ran())
}

func TestEngine_EndToEnd(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, types.AutomationRule{
		ID:       1,
		Name:     "Scanning done",
		Trigger:  types.StageCompleteTrigger{Stage: types.StageScanning},
		Action:   types.AdvanceStageAction{Target: types.StageDigitization},
		IsActive: true,
		Priority: 5,
	}))
	book := types.Book{ID: 1, Title: "Risalo", CurrentStage: types.StageScanning, Status: types.StatusNotStarted}
	require.NoError(t, store.CreateBook(ctx, book))

	x, err := NewExecutor(store, store, &MockGenerator{}, quietLogger())
	require.NoError(t, err)
	e := newTestEngine(t, store, x, WithRunRecorder(store, &MockGenerator{}))

	summary, err := e.Run(ctx, types.TriggerStageComplete, types.EventContext{
		CompletedStage: types.StageScanning,
		Book:           &book,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	got, err := store.GetBook(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageDigitization, got.CurrentStage)
	assert.Equal(t, types.StatusInProgress, got.Status)

	// The caller's book is left as it was.
	assert.Equal(t, types.StageScanning, book.CurrentStage)

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(1), runs[0].RuleID)
	assert.Equal(t, uint64(1), runs[0].BookID)
	assert.Equal(t, summary.InvocationID, runs[0].InvocationID)
	assert.Equal(t, types.TriggerStageComplete, runs[0].TriggerType)
	assert.Equal(t, fixedNow, runs[0].CreatedAt)
}

func TestEngine_WorkingCopy(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	// Advance first, then assign: the assignment must land on the new stage.
	require.NoError(t, store.SaveRule(ctx, rule(1, 10, types.StageCompleteTrigger{Stage: types.StageScanning}, types.AdvanceStageAction{Target: types.StageChecking})))
	require.NoError(t, store.SaveRule(ctx, rule(2, 5, types.StageCompleteTrigger{Stage: types.StageScanning}, types.AssignEmployeeAction{EmployeeRef: "check@x"})))
	book := bookAt(1, types.StageScanning)
	require.NoError(t, store.CreateBook(ctx, *book))

	x, err := NewExecutor(store, store, &MockGenerator{}, quietLogger())
	require.NoError(t, err)
	e := newTestEngine(t, store, x)

	_, err = e.Run(ctx, types.TriggerStageComplete, types.EventContext{CompletedStage: types.StageScanning, Book: book})
	require.NoError(t, err)

	got, err := store.GetBook(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageChecking, got.CurrentStage)
	assert.Equal(t, "check@x", got.AssignedToChecking)
	assert.Empty(t, got.AssignedToScanning)
}

func TestEngine_Idempotency(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveRule(ctx, rule(1, 0, types.ScheduledCheckTrigger{}, types.UpdateStatusAction{})))

	executor := &recordingExecutor{}
	e := newTestEngine(t, store, executor, WithRunRecorder(store, &MockGenerator{}))

	ectx := types.EventContext{Book: bookAt(1, types.StageChecking), IdempotencyKey: ScheduledCheckKey(fixedNow, 1)}
	first, err := e.Run(ctx, types.TriggerScheduledCheck, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	second, err := e.Run(ctx, types.TriggerScheduledCheck, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, []uint64{1}, executor.Ran())

	runs := store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, types.RunSkipped, runs[1].Status)
	assert.Equal(t, ReasonAlreadyApplied, runs[1].Message)

	// A new day is a new key.
	ectx.IdempotencyKey = ScheduledCheckKey(fixedNow.AddDate(0, 0, 1), 1)
	third, err := e.Run(ctx, types.TriggerScheduledCheck, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Succeeded)
}

func TestEngine_FailedRunIsRetried(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveRule(ctx, rule(1, 0, types.ScheduledCheckTrigger{}, types.UpdateStatusAction{})))

	executor := &recordingExecutor{fail: map[uint64]bool{1: true}}
	e := newTestEngine(t, store, executor, WithRunRecorder(store, nil))
	ectx := types.EventContext{Book: bookAt(1, types.StageChecking), IdempotencyKey: "k"}

	_, err := e.Run(ctx, types.TriggerScheduledCheck, ectx)
	require.NoError(t, err)
	executor.fail = nil
	summary, err := e.Run(ctx, types.TriggerScheduledCheck, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []uint64{1, 1}, executor.Ran())
}

func TestEngine_GuardAndMalformedRules(t *testing.T) {
	guarded := rule(1, 3, types.PagesThresholdTrigger{Pages: 10}, types.UpdateStatusAction{})
	guarded.Condition = "total_pages > 1000"
	malformed := rule(2, 2, types.PagesThresholdTrigger{Pages: 0}, types.UpdateStatusAction{})
	plain := rule(3, 1, types.PagesThresholdTrigger{Pages: 10}, types.UpdateStatusAction{})

	executor := &recordingExecutor{}
	e := newTestEngine(t, staticRules{rules: []types.AutomationRule{guarded, malformed, plain}}, executor)

	summary, err := e.Run(context.Background(), types.TriggerPagesThreshold, types.EventContext{Book: bookAt(1, types.StageScanning)}.WithPages(50))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, executor.Ran())
	assert.Equal(t, 1, summary.Matched)
}

func TestEngine_Timeout(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveRule(ctx, rule(1, 0, types.RecordCreatedTrigger{}, types.UpdateStatusAction{})))

	var seen context.Context
	executor := ActionExecutorFunc(func(ctx context.Context, _ types.AutomationRule, _ types.EventContext) (Result, error) {
		seen = ctx
		return Result{}, nil
	})
	e := newTestEngine(t, store, executor, WithTimeout(time.Minute))

	_, err := e.Run(ctx, types.TriggerRecordCreated, types.EventContext{Book: bookAt(1, types.StageScanning)})
	require.NoError(t, err)
	require.NotNil(t, seen)
	_, hasDeadline := seen.Deadline()
	assert.True(t, hasDeadline)
	assert.True(t, errors.Is(seen.Err(), context.Canceled))
}
