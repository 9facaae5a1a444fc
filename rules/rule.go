package rules

import (
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/bookflow/types"
)

// ConditionEvaluator decides whether a rule's condition holds for an event.
// It never mutates the rule or the context.
type ConditionEvaluator struct {
	guards ExpressionEvaluator
	logger *logrus.Logger
}

// NewConditionEvaluator creates a ConditionEvaluator. A nil guards evaluator
// makes every rule with a guard expression fail closed.
func NewConditionEvaluator(guards ExpressionEvaluator, logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{guards: guards, logger: logger}
}

// Evaluate reports whether rule fires for ectx. Inactive, malformed and
// unrecognized rules never fire.
func (c *ConditionEvaluator) Evaluate(rule types.AutomationRule, ectx types.EventContext) bool {
	if !rule.IsActive {
		return false
	}
	if err := rule.Validate(); err != nil {
		c.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "rule": rule.Name}).
			Warnf("automation: rule misconfigured: %v", err)
		return false
	}
	if !MatchTrigger(rule.Trigger, ectx) {
		return false
	}
	if rule.Condition == "" {
		return true
	}
	if c.guards == nil {
		c.logger.WithField("rule_id", rule.ID).Warn("automation: guard expression set but no evaluator configured")
		return false
	}
	ok, err := c.guards.Evaluate(rule.Condition, Env(ectx))
	if err != nil {
		c.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "rule": rule.Name}).
			Warnf("automation: guard expression failed: %v", err)
		return false
	}
	return ok
}

// MatchTrigger applies the built-in trigger condition. Unknown triggers are false.
func MatchTrigger(trigger types.Trigger, ectx types.EventContext) bool {
	switch t := trigger.(type) {
	case types.StageCompleteTrigger:
		return t.Stage != "" && ectx.CompletedStage == t.Stage
	case types.PagesThresholdTrigger:
		pages, ok := ectx.Pages()
		return ok && pages >= t.Pages
	case types.RecordCreatedTrigger:
		return true
	case types.ScheduledCheckTrigger:
		return true
	default:
		return false
	}
}

// Env builds the guard expression environment. Every key is always present
// with a fixed type so cached programs stay valid across events.
func Env(ectx types.EventContext) map[string]interface{} {
	pages, hasPages := ectx.Pages()
	env := map[string]interface{}{
		"trigger":         string(ectx.TriggerType),
		"completed_stage": string(ectx.CompletedStage),
		"pages":           pages,
		"has_pages":       hasPages,
		"book_id":         0,
		"title":           "",
		"current_stage":   "",
		"status":          "",
		"pages_completed": 0,
		"total_pages":     0,
	}
	if b := ectx.Book; b != nil {
		env["book_id"] = int(b.ID)
		env["title"] = b.Title
		env["current_stage"] = string(b.CurrentStage)
		env["status"] = string(b.Status)
		env["pages_completed"] = b.PagesCompletedInStage
		env["total_pages"] = b.TotalPages
	}
	return env
}
