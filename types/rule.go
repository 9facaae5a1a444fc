package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule indicates a rule whose trigger or action is inconsistent with its type.
var ErrInvalidRule = errors.New("invalid automation rule")

// TriggerType names the event kind a rule reacts to. Values match the
// automation_rules.trigger_type column.
type TriggerType string

const (
	TriggerStageComplete  TriggerType = "stage_complete"
	TriggerPagesThreshold TriggerType = "pages_threshold"
	TriggerRecordCreated  TriggerType = "book_created"
	TriggerScheduledCheck TriggerType = "daily_check"
)

// ActionType names what a rule does when it fires.
type ActionType string

const (
	ActionAdvanceStage     ActionType = "assign_to_stage"
	ActionAssignEmployee   ActionType = "assign_to_employee"
	ActionSendNotification ActionType = "send_notification"
	ActionUpdateStatus     ActionType = "update_status"
)

// Trigger is the closed set of rule triggers. Implementations live in this
// package only.
type Trigger interface {
	Type() TriggerType
	validate() error
}

// StageCompleteTrigger fires when Stage is reported complete.
type StageCompleteTrigger struct {
	Stage Stage
}

// PagesThresholdTrigger fires when the reported page count reaches Pages.
type PagesThresholdTrigger struct {
	Pages int
}

// RecordCreatedTrigger fires for every new digitization record.
type RecordCreatedTrigger struct{}

// ScheduledCheckTrigger fires on every periodic sweep.
type ScheduledCheckTrigger struct{}

// UnknownTrigger carries a trigger type this build does not understand.
type UnknownTrigger struct {
	Kind TriggerType
}

func (StageCompleteTrigger) Type() TriggerType  { return TriggerStageComplete }
func (PagesThresholdTrigger) Type() TriggerType { return TriggerPagesThreshold }
func (RecordCreatedTrigger) Type() TriggerType  { return TriggerRecordCreated }
func (ScheduledCheckTrigger) Type() TriggerType { return TriggerScheduledCheck }
func (t UnknownTrigger) Type() TriggerType      { return t.Kind }

func (t StageCompleteTrigger) validate() error {
	if !t.Stage.Valid() || t.Stage == StageCompleted {
		return fmt.Errorf("%w: trigger stage %q", ErrInvalidRule, t.Stage)
	}
	return nil
}

func (t PagesThresholdTrigger) validate() error {
	if t.Pages <= 0 {
		return fmt.Errorf("%w: trigger pages count must be positive, got %d", ErrInvalidRule, t.Pages)
	}
	return nil
}

func (RecordCreatedTrigger) validate() error  { return nil }
func (ScheduledCheckTrigger) validate() error { return nil }

func (t UnknownTrigger) validate() error {
	return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRule, t.Kind)
}

// Action is the closed set of rule actions.
type Action interface {
	Type() ActionType
	validate() error
}

// AdvanceStageAction moves the book to Target and marks it in progress.
type AdvanceStageAction struct {
	Target Stage
}

// AssignEmployeeAction assigns EmployeeRef to the book's current stage.
type AssignEmployeeAction struct {
	EmployeeRef string
}

// SendNotificationAction notifies every assignee of the book. Template may
// contain {book_title}, {stage} and {pages}.
type SendNotificationAction struct {
	Template string
}

// UpdateStatusAction marks the book in progress.
type UpdateStatusAction struct{}

// UnknownAction carries an action type this build does not understand.
type UnknownAction struct {
	Kind ActionType
}

func (AdvanceStageAction) Type() ActionType     { return ActionAdvanceStage }
func (AssignEmployeeAction) Type() ActionType   { return ActionAssignEmployee }
func (SendNotificationAction) Type() ActionType { return ActionSendNotification }
func (UpdateStatusAction) Type() ActionType     { return ActionUpdateStatus }
func (a UnknownAction) Type() ActionType        { return a.Kind }

func (a AdvanceStageAction) validate() error {
	if !a.Target.Valid() {
		return fmt.Errorf("%w: target stage %q", ErrInvalidRule, a.Target)
	}
	return nil
}

func (a AssignEmployeeAction) validate() error {
	if a.EmployeeRef == "" {
		return fmt.Errorf("%w: employee reference required", ErrInvalidRule)
	}
	return nil
}

func (a SendNotificationAction) validate() error {
	if a.Template == "" {
		return fmt.Errorf("%w: notification message required", ErrInvalidRule)
	}
	return nil
}

func (UpdateStatusAction) validate() error { return nil }

func (a UnknownAction) validate() error {
	return fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, a.Kind)
}

// AutomationRule pairs a trigger with an action. Higher Priority runs first.
// Condition is an optional guard expression evaluated after the trigger matches.
type AutomationRule struct {
	ID          uint64
	Name        string
	Description string
	Trigger     Trigger
	Action      Action
	Condition   string
	IsActive    bool
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TriggerType returns the rule's trigger type, or "" when no trigger is set.
func (r AutomationRule) TriggerType() TriggerType {
	if r.Trigger == nil {
		return ""
	}
	return r.Trigger.Type()
}

// ActionType returns the rule's action type, or "" when no action is set.
func (r AutomationRule) ActionType() ActionType {
	if r.Action == nil {
		return ""
	}
	return r.Action.Type()
}

// Validate checks that the trigger and action are complete for their types.
func (r AutomationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if r.Trigger == nil {
		return fmt.Errorf("%w: trigger required", ErrInvalidRule)
	}
	if r.Action == nil {
		return fmt.Errorf("%w: action required", ErrInvalidRule)
	}
	if err := r.Trigger.validate(); err != nil {
		return err
	}
	return r.Action.validate()
}

// RuleRecord is the flat persisted form of an AutomationRule. Only the
// fields belonging to the trigger and action types are populated.
type RuleRecord struct {
	ID                        uint64      `json:"id,omitempty" yaml:"id,omitempty"`
	Name                      string      `json:"name" yaml:"name"`
	Description               string      `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType               TriggerType `json:"trigger_type" yaml:"trigger_type"`
	TriggerStage              Stage       `json:"trigger_stage,omitempty" yaml:"trigger_stage,omitempty"`
	TriggerPagesCount         *int        `json:"trigger_pages_count,omitempty" yaml:"trigger_pages_count,omitempty"`
	ActionType                ActionType  `json:"action_type" yaml:"action_type"`
	ActionTargetStage         Stage       `json:"action_target_stage,omitempty" yaml:"action_target_stage,omitempty"`
	ActionEmployeeEmail       string      `json:"action_employee_email,omitempty" yaml:"action_employee_email,omitempty"`
	ActionNotificationMessage string      `json:"action_notification_message,omitempty" yaml:"action_notification_message,omitempty"`
	Condition                 string      `json:"condition,omitempty" yaml:"condition,omitempty"`
	IsActive                  bool        `json:"is_active" yaml:"is_active"`
	Priority                  int         `json:"priority" yaml:"priority"`
	CreatedAt                 time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt                 time.Time   `json:"updated_at" yaml:"-"`
}

// Record flattens the rule.
func (r AutomationRule) Record() RuleRecord {
	rec := RuleRecord{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		TriggerType: r.TriggerType(),
		ActionType:  r.ActionType(),
		Condition:   r.Condition,
		IsActive:    r.IsActive,
		Priority:    r.Priority,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	switch t := r.Trigger.(type) {
	case StageCompleteTrigger:
		rec.TriggerStage = t.Stage
	case PagesThresholdTrigger:
		pages := t.Pages
		rec.TriggerPagesCount = &pages
	}
	switch a := r.Action.(type) {
	case AdvanceStageAction:
		rec.ActionTargetStage = a.Target
	case AssignEmployeeAction:
		rec.ActionEmployeeEmail = a.EmployeeRef
	case SendNotificationAction:
		rec.ActionNotificationMessage = a.Template
	}
	return rec
}

// Rule rebuilds the typed rule. Fields that do not belong to the record's
// trigger or action type are dropped; unknown types decode to UnknownTrigger
// and UnknownAction.
func (rec RuleRecord) Rule() AutomationRule {
	r := AutomationRule{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Condition:   rec.Condition,
		IsActive:    rec.IsActive,
		Priority:    rec.Priority,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	switch rec.TriggerType {
	case TriggerStageComplete:
		r.Trigger = StageCompleteTrigger{Stage: rec.TriggerStage}
	case TriggerPagesThreshold:
		t := PagesThresholdTrigger{}
		if rec.TriggerPagesCount != nil {
			t.Pages = *rec.TriggerPagesCount
		}
		r.Trigger = t
	case TriggerRecordCreated:
		r.Trigger = RecordCreatedTrigger{}
	case TriggerScheduledCheck:
		r.Trigger = ScheduledCheckTrigger{}
	default:
		r.Trigger = UnknownTrigger{Kind: rec.TriggerType}
	}
	switch rec.ActionType {
	case ActionAdvanceStage:
		r.Action = AdvanceStageAction{Target: rec.ActionTargetStage}
	case ActionAssignEmployee:
		r.Action = AssignEmployeeAction{EmployeeRef: rec.ActionEmployeeEmail}
	case ActionSendNotification:
		r.Action = SendNotificationAction{Template: rec.ActionNotificationMessage}
	case ActionUpdateStatus:
		r.Action = UpdateStatusAction{}
	default:
		r.Action = UnknownAction{Kind: rec.ActionType}
	}
	return r
}

// MarshalJSON encodes the rule in its flat record form.
func (r AutomationRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Record())
}

// UnmarshalJSON decodes a flat record.
func (r *AutomationRule) UnmarshalJSON(data []byte) error {
	var rec RuleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*r = rec.Rule()
	return nil
}
