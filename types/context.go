package types

// EventContext is built by the caller for one automation invocation.
type EventContext struct {
	TriggerType    TriggerType
	CompletedStage Stage
	PagesCount     *int
	Book           *Book
	Employees      []Employee

	// IdempotencyKey, when set, makes a rule run at most once successfully per key.
	IdempotencyKey string
}

// Pages returns the reported page count and whether one was reported.
func (c EventContext) Pages() (int, bool) {
	if c.PagesCount == nil {
		return 0, false
	}
	return *c.PagesCount, true
}

// WithPages returns a copy of c carrying n as the page count.
func (c EventContext) WithPages(n int) EventContext {
	c.PagesCount = &n
	return c
}

// Employee looks up ref in the context employee list.
func (c EventContext) Employee(ref string) (Employee, bool) {
	for _, e := range c.Employees {
		if e.Ref == ref {
			return e, true
		}
	}
	return Employee{}, false
}

// BookPatch is a partial update of the fields the automation engine may write.
type BookPatch struct {
	CurrentStage *Stage
	Status       *Status
	Assignments  map[Stage]string
}

// IsEmpty reports whether the patch changes nothing.
func (p BookPatch) IsEmpty() bool {
	return p.CurrentStage == nil && p.Status == nil && len(p.Assignments) == 0
}

// Apply writes the patch onto b.
func (p BookPatch) Apply(b *Book) {
	if p.CurrentStage != nil {
		b.CurrentStage = *p.CurrentStage
	}
	if p.Status != nil {
		b.Status = *p.Status
	}
	for stage, ref := range p.Assignments {
		switch stage {
		case StageScanning:
			b.AssignedToScanning = ref
		case StageDigitization:
			b.AssignedToDigitization = ref
		case StageChecking:
			b.AssignedToChecking = ref
		case StageUploading:
			b.AssignedToUploading = ref
		}
	}
}

// Columns returns the patch as column/value pairs of the digitization_records table.
func (p BookPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.CurrentStage != nil {
		cols["current_stage"] = string(*p.CurrentStage)
	}
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	for stage, ref := range p.Assignments {
		if col := AssignmentColumn(stage); col != "" {
			cols[col] = ref
		}
	}
	return cols
}

// AssignmentColumn maps a stage to its assignee column, or "" for stages
// without an assignee.
func AssignmentColumn(stage Stage) string {
	switch stage {
	case StageScanning:
		return "assigned_to_scanning"
	case StageDigitization:
		return "assigned_to_digitization"
	case StageChecking:
		return "assigned_to_checking"
	case StageUploading:
		return "assigned_to_uploading"
	default:
		return ""
	}
}
