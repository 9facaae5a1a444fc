package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/bookflow/types"
)

// Helper function to create a sample book
func newBook(id uint64, stage types.Stage) types.Book {
	return types.Book{
		ID:                 id,
		Title:              fmt.Sprintf("Book %d", id),
		CurrentStage:       stage,
		Status:             types.StatusInProgress,
		AssignedToScanning: "scan@example.org",
		TotalPages:         300,
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
		UpdatedAt:          time.Now().UTC().Truncate(time.Second),
	}
}

// Helper function to create a sample rule
func newRule(id uint64, priority int, trigger types.Trigger) types.AutomationRule {
	return types.AutomationRule{
		ID:       id,
		Name:     fmt.Sprintf("rule-%d", id),
		Trigger:  trigger,
		Action:   types.UpdateStatusAction{},
		IsActive: true,
		Priority: priority,
	}
}

func ruleIDs(rules []types.AutomationRule) []uint64 {
	ids := make([]uint64, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

// testStorage runs the behaviour every Storage implementation shares.
// newStore must return an empty store.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("CreateAndGetBook", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		book := newBook(1, types.StageScanning)
		require.NoError(t, store.CreateBook(ctx, book))

		got, err := store.GetBook(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, book.Title, got.Title)
		assert.Equal(t, book.CurrentStage, got.CurrentStage)
		assert.Equal(t, book.AssignedToScanning, got.AssignedToScanning)

		_, err = store.GetBook(ctx, 2)
		assert.ErrorIs(t, err, ErrBookNotFound)

		assert.ErrorIs(t, store.CreateBook(ctx, newBook(0, types.StageScanning)), ErrInvalidID)
	})

	t.Run("UpdateBook", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateBook(ctx, newBook(1, types.StageScanning)))

		stage := types.StageDigitization
		err := store.UpdateBook(ctx, 1, types.BookPatch{
			CurrentStage: &stage,
			Assignments:  map[types.Stage]string{types.StageChecking: "check@example.org"},
		})
		require.NoError(t, err)

		got, err := store.GetBook(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.StageDigitization, got.CurrentStage)
		assert.Equal(t, "check@example.org", got.AssignedToChecking)
		assert.Equal(t, "scan@example.org", got.AssignedToScanning)
		assert.Equal(t, types.StatusInProgress, got.Status)

		err = store.UpdateBook(ctx, 99, types.BookPatch{CurrentStage: &stage})
		assert.ErrorIs(t, err, ErrBookNotFound)
	})

	t.Run("ListBooks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		done := newBook(3, types.StageCompleted)
		done.Status = types.StatusCompleted
		for _, b := range []types.Book{newBook(2, types.StageChecking), newBook(1, types.StageScanning), done} {
			require.NoError(t, store.CreateBook(ctx, b))
		}

		all, err := store.ListBooks(ctx, types.BookFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, uint64(1), all[0].ID)

		open, err := store.ListBooks(ctx, types.BookFilter{ExcludeCompleted: true})
		require.NoError(t, err)
		assert.Len(t, open, 2)

		checking, err := store.ListBooks(ctx, types.BookFilter{Stage: types.StageChecking})
		require.NoError(t, err)
		require.Len(t, checking, 1)
		assert.Equal(t, uint64(2), checking[0].ID)
	})

	t.Run("Notifications", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		batch := []types.Notification{
			{ID: 1, RecipientRef: "a@example.org", Title: "Automation: x", Message: "one", Category: types.CategoryInfo, RelatedBookID: 7},
			{ID: 2, RecipientRef: "b@example.org", Title: "Automation: x", Message: "two", Category: types.CategoryInfo, RelatedBookID: 7},
			{ID: 3, RecipientRef: "a@example.org", Title: "Automation: y", Message: "three", Category: types.CategoryInfo, RelatedBookID: 7},
		}
		require.NoError(t, store.InsertNotifications(ctx, batch))
		require.NoError(t, store.InsertNotifications(ctx, nil))

		got, err := store.ListNotifications(ctx, "a@example.org")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "one", got[0].Message)
		assert.Equal(t, "three", got[1].Message)

		none, err := store.ListNotifications(ctx, "nobody@example.org")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})

	t.Run("RuleOrdering", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		trigger := types.StageCompleteTrigger{Stage: types.StageScanning}
		for _, r := range []types.AutomationRule{
			newRule(10, 1, trigger),
			newRule(11, 5, trigger),
			newRule(12, 1, trigger),
			newRule(13, 5, types.RecordCreatedTrigger{}),
		} {
			require.NoError(t, store.SaveRule(ctx, r))
		}
		inactive := newRule(14, 9, trigger)
		inactive.IsActive = false
		require.NoError(t, store.SaveRule(ctx, inactive))

		all, err := store.ListRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{14, 11, 13, 10, 12}, ruleIDs(all))

		active, err := store.ListActiveRulesForTrigger(ctx, types.TriggerStageComplete)
		require.NoError(t, err)
		assert.Equal(t, []uint64{11, 10, 12}, ruleIDs(active))

		empty, err := store.ListActiveRulesForTrigger(ctx, types.TriggerScheduledCheck)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		// Replacing a rule keeps its position among equal priorities.
		replaced := newRule(10, 1, trigger)
		replaced.Name = "renamed"
		require.NoError(t, store.SaveRule(ctx, replaced))
		active, err = store.ListActiveRulesForTrigger(ctx, types.TriggerStageComplete)
		require.NoError(t, err)
		assert.Equal(t, []uint64{11, 10, 12}, ruleIDs(active))
		assert.Equal(t, "renamed", active[1].Name)
	})

	t.Run("EqualPriorityKeepsInsertionOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		trigger := types.StageCompleteTrigger{Stage: types.StageScanning}
		for _, r := range []types.AutomationRule{
			newRule(50, 5, trigger),
			newRule(20, 5, trigger),
			newRule(35, 9, trigger),
			newRule(5, 5, trigger),
		} {
			require.NoError(t, store.SaveRule(ctx, r))
		}

		all, err := store.ListRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{35, 50, 20, 5}, ruleIDs(all))

		// Disabling and re-enabling keeps the position.
		r := newRule(50, 5, trigger)
		r.IsActive = false
		require.NoError(t, store.SaveRule(ctx, r))
		active, err := store.ListActiveRulesForTrigger(ctx, types.TriggerStageComplete)
		require.NoError(t, err)
		assert.Equal(t, []uint64{35, 20, 5}, ruleIDs(active))

		r.IsActive = true
		require.NoError(t, store.SaveRule(ctx, r))
		active, err = store.ListActiveRulesForTrigger(ctx, types.TriggerStageComplete)
		require.NoError(t, err)
		assert.Equal(t, []uint64{35, 50, 20, 5}, ruleIDs(active))

		// A deleted rule saved again goes to the back.
		require.NoError(t, store.DeleteRule(ctx, 20))
		require.NoError(t, store.SaveRule(ctx, newRule(20, 5, trigger)))
		all, err = store.ListRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{35, 50, 5, 20}, ruleIDs(all))
	})

	t.Run("RuleRoundTripsVariants", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rule := types.AutomationRule{
			ID:        20,
			Name:      "big batches",
			Trigger:   types.PagesThresholdTrigger{Pages: 100},
			Action:    types.SendNotificationAction{Template: "{book_title}: {pages} pages"},
			Condition: "total_pages > 0",
			IsActive:  true,
			Priority:  2,
		}
		require.NoError(t, store.SaveRule(ctx, rule))

		all, err := store.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, rule.Trigger, all[0].Trigger)
		assert.Equal(t, rule.Action, all[0].Action)
		assert.Equal(t, rule.Condition, all[0].Condition)
	})

	t.Run("SaveRuleValidates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		bad := newRule(1, 0, types.PagesThresholdTrigger{Pages: 0})
		assert.ErrorIs(t, store.SaveRule(ctx, bad), types.ErrInvalidRule)
		assert.ErrorIs(t, store.SaveRule(ctx, newRule(0, 0, types.RecordCreatedTrigger{})), ErrInvalidID)
	})

	t.Run("DeleteRule", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveRule(ctx, newRule(1, 0, types.RecordCreatedTrigger{})))
		require.NoError(t, store.SaveRule(ctx, newRule(2, 0, types.RecordCreatedTrigger{})))
		require.NoError(t, store.DeleteRule(ctx, 1))
		assert.ErrorIs(t, store.DeleteRule(ctx, 1), ErrRuleNotFound)

		all, err := store.ListRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{2}, ruleIDs(all))
	})

	t.Run("Employees", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveEmployee(ctx, types.Employee{Ref: "b@example.org", DisplayName: "Bilal"}))
		require.NoError(t, store.SaveEmployee(ctx, types.Employee{Ref: "a@example.org", DisplayName: "Amna"}))

		e, err := store.ResolveEmployee(ctx, "a@example.org")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "Amna", e.DisplayName)

		missing, err := store.ResolveEmployee(ctx, "ghost@example.org")
		assert.NoError(t, err)
		assert.Nil(t, missing)

		all, err := store.ListEmployees(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a@example.org", all[0].Ref)
	})

	t.Run("Runs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		key := "scheduled_check:2026-10-19:1"
		require.NoError(t, store.RecordRun(ctx, types.AutomationRun{ID: 1, RuleID: 5, BookID: 1, Status: types.RunFailed, IdempotencyKey: key}))
		ok, err := store.HasSucceeded(ctx, 5, key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.RecordRun(ctx, types.AutomationRun{ID: 2, RuleID: 5, BookID: 1, Status: types.RunSuccess, IdempotencyKey: key}))
		ok, err = store.HasSucceeded(ctx, 5, key)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.HasSucceeded(ctx, 6, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.CreateBook(ctx, newBook(1, types.StageScanning))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetBook(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListActiveRulesForTrigger(ctx, types.TriggerRecordCreated)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		numGoroutines := 20

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(id uint64) {
				defer wg.Done()
				assert.NoError(t, store.CreateBook(ctx, newBook(id, types.StageScanning)))
				status := types.StatusOnHold
				assert.NoError(t, store.UpdateBook(ctx, id, types.BookPatch{Status: &status}))
				_, err := store.GetBook(ctx, id)
				assert.NoError(t, err)
			}(uint64(i + 1))
		}
		wg.Wait()

		all, err := store.ListBooks(ctx, types.BookFilter{Status: types.StatusOnHold})
		require.NoError(t, err)
		assert.Len(t, all, numGoroutines)
	})
}
