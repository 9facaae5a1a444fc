package storage

import (
	"time"

	"github.com/songzhibin97/bookflow/types"
)

// BookModel is the digitization_records row.
type BookModel struct {
	ID                     uint64 `gorm:"primaryKey;autoIncrement:false"`
	Title                  string `gorm:"not null"`
	CurrentStage           string `gorm:"index;not null"`
	Status                 string `gorm:"index;not null"`
	AssignedToScanning     string
	AssignedToDigitization string
	AssignedToChecking     string
	AssignedToUploading    string
	PagesCompletedInStage  int
	TotalPages             int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (BookModel) TableName() string { return "digitization_records" }

func bookModel(b types.Book) BookModel {
	return BookModel{
		ID:                     b.ID,
		Title:                  b.Title,
		CurrentStage:           string(b.CurrentStage),
		Status:                 string(b.Status),
		AssignedToScanning:     b.AssignedToScanning,
		AssignedToDigitization: b.AssignedToDigitization,
		AssignedToChecking:     b.AssignedToChecking,
		AssignedToUploading:    b.AssignedToUploading,
		PagesCompletedInStage:  b.PagesCompletedInStage,
		TotalPages:             b.TotalPages,
		CreatedAt:              b.CreatedAt,
		UpdatedAt:              b.UpdatedAt,
	}
}

func (m BookModel) book() types.Book {
	return types.Book{
		ID:                     m.ID,
		Title:                  m.Title,
		CurrentStage:           types.Stage(m.CurrentStage),
		Status:                 types.Status(m.Status),
		AssignedToScanning:     m.AssignedToScanning,
		AssignedToDigitization: m.AssignedToDigitization,
		AssignedToChecking:     m.AssignedToChecking,
		AssignedToUploading:    m.AssignedToUploading,
		PagesCompletedInStage:  m.PagesCompletedInStage,
		TotalPages:             m.TotalPages,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

// RuleModel is the automation_rules row. Trigger and action parameters
// live in nullable per-kind columns.
type RuleModel struct {
	ID                        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Name                      string `gorm:"not null"`
	Description               string `gorm:"type:text"`
	TriggerType               string `gorm:"index;not null"`
	TriggerStage              string
	TriggerPagesCount         *int
	ActionType                string `gorm:"not null"`
	ActionTargetStage         string
	ActionEmployeeEmail       string
	ActionNotificationMessage string `gorm:"type:text"`
	Condition                 string `gorm:"type:text"`
	IsActive                  bool   `gorm:"index"`
	Priority                  int    `gorm:"index"`
	Position                  int64  `gorm:"not null;default:0"` // insertion sequence, never rewritten
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (RuleModel) TableName() string { return "automation_rules" }

func ruleModel(r types.AutomationRule) RuleModel {
	rec := r.Record()
	return RuleModel{
		ID:                        rec.ID,
		Name:                      rec.Name,
		Description:               rec.Description,
		TriggerType:               string(rec.TriggerType),
		TriggerStage:              string(rec.TriggerStage),
		TriggerPagesCount:         rec.TriggerPagesCount,
		ActionType:                string(rec.ActionType),
		ActionTargetStage:         string(rec.ActionTargetStage),
		ActionEmployeeEmail:       rec.ActionEmployeeEmail,
		ActionNotificationMessage: rec.ActionNotificationMessage,
		Condition:                 rec.Condition,
		IsActive:                  rec.IsActive,
		Priority:                  rec.Priority,
		CreatedAt:                 rec.CreatedAt,
		UpdatedAt:                 rec.UpdatedAt,
	}
}

func (m RuleModel) rule() types.AutomationRule {
	return types.RuleRecord{
		ID:                        m.ID,
		Name:                      m.Name,
		Description:               m.Description,
		TriggerType:               types.TriggerType(m.TriggerType),
		TriggerStage:              types.Stage(m.TriggerStage),
		TriggerPagesCount:         m.TriggerPagesCount,
		ActionType:                types.ActionType(m.ActionType),
		ActionTargetStage:         types.Stage(m.ActionTargetStage),
		ActionEmployeeEmail:       m.ActionEmployeeEmail,
		ActionNotificationMessage: m.ActionNotificationMessage,
		Condition:                 m.Condition,
		IsActive:                  m.IsActive,
		Priority:                  m.Priority,
		CreatedAt:                 m.CreatedAt,
		UpdatedAt:                 m.UpdatedAt,
	}.Rule()
}

// EmployeeModel is the employee directory row.
type EmployeeModel struct {
	Ref         string `gorm:"primaryKey"`
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (EmployeeModel) TableName() string { return "employees" }

// NotificationModel is the notifications row.
type NotificationModel struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement:false"`
	RecipientRef         string `gorm:"index;not null"`
	RecipientDisplayName string
	Title                string `gorm:"not null"`
	Message              string `gorm:"type:text"`
	Category             string
	RelatedBookID        uint64 `gorm:"index"`
	RelatedBookTitle     string
	IsRead               bool `gorm:"default:false"`
	CreatedAt            time.Time
}

func (NotificationModel) TableName() string { return "notifications" }

func notificationModel(n types.Notification) NotificationModel {
	return NotificationModel{
		ID:                   n.ID,
		RecipientRef:         n.RecipientRef,
		RecipientDisplayName: n.RecipientDisplayName,
		Title:                n.Title,
		Message:              n.Message,
		Category:             string(n.Category),
		RelatedBookID:        n.RelatedBookID,
		RelatedBookTitle:     n.RelatedBookTitle,
		IsRead:               n.IsRead,
		CreatedAt:            n.CreatedAt,
	}
}

func (m NotificationModel) notification() types.Notification {
	return types.Notification{
		ID:                   m.ID,
		RecipientRef:         m.RecipientRef,
		RecipientDisplayName: m.RecipientDisplayName,
		Title:                m.Title,
		Message:              m.Message,
		Category:             types.Category(m.Category),
		RelatedBookID:        m.RelatedBookID,
		RelatedBookTitle:     m.RelatedBookTitle,
		IsRead:               m.IsRead,
		CreatedAt:            m.CreatedAt,
	}
}

// AutomationRunModel is the audit row written for every rule execution.
type AutomationRunModel struct {
	ID             uint64 `gorm:"primaryKey"`
	RuleID         uint64 `gorm:"index:idx_run_rule_key"`
	BookID         uint64 `gorm:"index"`
	InvocationID   string `gorm:"index"`
	TriggerType    string
	Status         string `gorm:"index"`
	Message        string `gorm:"type:text"`
	IdempotencyKey string `gorm:"index:idx_run_rule_key"`
	CreatedAt      time.Time
}

func (AutomationRunModel) TableName() string { return "automation_runs" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&BookModel{},
		&RuleModel{},
		&EmployeeModel{},
		&NotificationModel{},
		&AutomationRunModel{},
	}
}
