package types

import "time"

// Stage is a production stage of a digitization record.
type Stage string

const (
	StageScanning     Stage = "Scanning"
	StageDigitization Stage = "Digitization"
	StageChecking     Stage = "Checking"
	StageUploading    Stage = "Uploading"
	StageCompleted    Stage = "Completed"
)

// Stages lists the canonical stage sequence.
var Stages = []Stage{StageScanning, StageDigitization, StageChecking, StageUploading, StageCompleted}

// Valid reports whether s is one of the canonical stages.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Status is the work status of a digitization record.
type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusOnHold     Status = "On Hold"
	StatusCompleted  Status = "Completed"
)

// Category classifies a notification.
type Category string

const (
	CategoryInfo    Category = "info"
	CategoryWarning Category = "warning"
	CategorySuccess Category = "success"
	CategoryError   Category = "error"
)

// Book is a digitization record moving through the production stages.
// Empty assignee fields mean nobody is assigned for that stage.
type Book struct {
	ID                     uint64    `json:"id" yaml:"id"`
	Title                  string    `json:"title" yaml:"title"`
	CurrentStage           Stage     `json:"current_stage" yaml:"current_stage"`
	Status                 Status    `json:"status" yaml:"status"`
	AssignedToScanning     string    `json:"assigned_to_scanning,omitempty" yaml:"assigned_to_scanning,omitempty"`
	AssignedToDigitization string    `json:"assigned_to_digitization,omitempty" yaml:"assigned_to_digitization,omitempty"`
	AssignedToChecking     string    `json:"assigned_to_checking,omitempty" yaml:"assigned_to_checking,omitempty"`
	AssignedToUploading    string    `json:"assigned_to_uploading,omitempty" yaml:"assigned_to_uploading,omitempty"`
	PagesCompletedInStage  int       `json:"pages_completed_in_stage" yaml:"pages_completed_in_stage"`
	TotalPages             int       `json:"total_pages" yaml:"total_pages"`
	CreatedAt              time.Time `json:"created_at" yaml:"-"`
	UpdatedAt              time.Time `json:"updated_at" yaml:"-"`
}

// Assignee returns the employee assigned to stage and whether the stage
// has an assignment field at all.
func (b Book) Assignee(stage Stage) (string, bool) {
	switch stage {
	case StageScanning:
		return b.AssignedToScanning, true
	case StageDigitization:
		return b.AssignedToDigitization, true
	case StageChecking:
		return b.AssignedToChecking, true
	case StageUploading:
		return b.AssignedToUploading, true
	default:
		return "", false
	}
}

// Assignees returns the per-stage assignees in stage order, empty entries removed.
func (b Book) Assignees() []string {
	out := make([]string, 0, 4)
	for _, ref := range []string{b.AssignedToScanning, b.AssignedToDigitization, b.AssignedToChecking, b.AssignedToUploading} {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// BookFilter narrows ListBooks results. Zero values match everything.
type BookFilter struct {
	Stage            Stage
	Status           Status
	ExcludeCompleted bool
}

// Match reports whether b passes the filter.
func (f BookFilter) Match(b Book) bool {
	if f.Stage != "" && b.CurrentStage != f.Stage {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.ExcludeCompleted && b.CurrentStage == StageCompleted {
		return false
	}
	return true
}

// Employee is an entry of the employee directory. Ref is the identifier
// stored on books and rules (an email address in practice).
type Employee struct {
	Ref         string `json:"ref" yaml:"ref"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// Notification is an in-app message created by a SendNotification action.
type Notification struct {
	ID                   uint64    `json:"id"`
	RecipientRef         string    `json:"recipient_ref"`
	RecipientDisplayName string    `json:"recipient_display_name"`
	Title                string    `json:"title"`
	Message              string    `json:"message"`
	Category             Category  `json:"category"`
	RelatedBookID        uint64    `json:"related_book_id"`
	RelatedBookTitle     string    `json:"related_book_title"`
	IsRead               bool      `json:"is_read"`
	CreatedAt            time.Time `json:"created_at"`
}

// Run statuses recorded for automation audit.
const (
	RunSuccess = "success"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// AutomationRun is the audit record of one rule execution.
type AutomationRun struct {
	ID             uint64      `json:"id"`
	RuleID         uint64      `json:"rule_id"`
	BookID         uint64      `json:"book_id"`
	InvocationID   string      `json:"invocation_id"`
	TriggerType    TriggerType `json:"trigger_type"`
	Status         string      `json:"status"`
	Message        string      `json:"message,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReportSubmission is the payload of a daily work report that may fire
// PagesThreshold and StageComplete automations.
type ReportSubmission struct {
	EmployeeRef    string `json:"employee_ref"`
	BookID         uint64 `json:"book_id"`
	Stage          Stage  `json:"stage"`
	PagesCount     int    `json:"pages_count"`
	StageCompleted bool   `json:"stage_completed"`
}
