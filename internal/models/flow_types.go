// Package models defines flow instance types shared by the flow engine and the store.
package models

import (
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
)

// FlowType distinguishes the onboarding diagnosis from module wizards.
type FlowType string

// FlowStatus is the lifecycle state of a flow instance.
type FlowStatus string

const (
	FlowTypeOnboarding FlowType = "onboarding"
	FlowTypeModule     FlowType = "module"
)

const (
	FlowStatusActive    FlowStatus = "active"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusCanceled  FlowStatus = "canceled"
)

// Terminal reports whether no further mutation is allowed.
func (s FlowStatus) Terminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusCanceled
}

// Reasons recorded on terminated flows.
const (
	ReasonDefinitionNotFound      = "definition_not_found"
	ReasonModuleDefinitionMissing = "module_definition_missing"
	ReasonOnboardingFinished      = "onboarding_finished"
	ReasonModuleGenerated         = "module_generated"
	ReasonAdminCanceled           = "admin_canceled"
)

// FlowContext is the metadata carried alongside the answers of a flow instance.
type FlowContext struct {
	ModuleWizard      string         `json:"module_wizard,omitempty"`
	SuggestedMonthRef string         `json:"suggested_month_ref,omitempty"`
	MonthRef          string         `json:"month_ref,omitempty"`
	Prefill           answers.Object `json:"prefill_input,omitempty"`
	PrefillMonthRef   string         `json:"prefill_month_ref,omitempty"`
	CreatedFrom       string         `json:"created_from,omitempty"` // menu | text | onboarding
	PendingModule     string         `json:"pending_module,omitempty"`
	CanceledReason    string         `json:"canceled_reason,omitempty"`
	CompletedReason   string         `json:"completed_reason,omitempty"`
	ReportFileID      string         `json:"report_file_id,omitempty"`
	ReportURL         string         `json:"report_url,omitempty"`
	GeneratedFileID   string         `json:"generated_file_id,omitempty"`
}

// FlowInstance is one run of a guided wizard for one user. Instances are never deleted.
type FlowInstance struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	FlowType              FlowType       `json:"flow_type"`
	Status                FlowStatus     `json:"status"`
	MonthRef              string         `json:"month_ref,omitempty"`
	StepKey               string         `json:"step_key"`
	Answers               answers.Object `json:"answers"`
	Context               FlowContext    `json:"context"`
	LastExternalMessageID string         `json:"last_external_message_id,omitempty"`
	Version               int            `json:"version"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	CanceledAt            *time.Time     `json:"canceled_at,omitempty"`
}

// Clone returns a copy whose answer documents can be mutated independently.
func (f FlowInstance) Clone() FlowInstance {
	out := f
	out.Answers = f.Answers.Clone()
	if f.Context.Prefill != nil {
		out.Context.Prefill = f.Context.Prefill.Clone()
	}
	return out
}

// MonthlyInput is the saved data-collection document of one user for one reference month.
type MonthlyInput struct {
	UserID    string         `json:"user_id"`
	MonthRef  string         `json:"month_ref"`
	Source    string         `json:"source"`
	Input     answers.Object `json:"input"`
	IsFinal   bool           `json:"is_final"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
