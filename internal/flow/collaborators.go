package flow

import (
	"context"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// FlowStore persists flow instances.
type FlowStore interface {
	// GetActiveFlow returns the active instance of userID, or nil when there is none.
	GetActiveFlow(ctx context.Context, userID string) (*models.FlowInstance, error)
	// CreateFlow inserts f and fills its ID, Version and timestamps. It returns
	// store.ErrActiveFlowExists when userID already has an active instance.
	CreateFlow(ctx context.Context, f *models.FlowInstance) error
	// UpdateFlow writes f if its Version still matches the stored row and bumps Version.
	// It returns store.ErrVersionConflict otherwise.
	UpdateFlow(ctx context.Context, f *models.FlowInstance) error
}

// MonthlyInputs is the data-collection collaborator holding saved monthly documents.
type MonthlyInputs interface {
	GetMonthlyInput(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error)
	LatestMonthlyInputBefore(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error)
	UpsertMonthlyInput(ctx context.Context, in models.MonthlyInput) error
}

// KPIResult is returned by the KPI computation.
type KPIResult struct {
	KPIs             map[string]float64 `json:"kpis"`
	Alerts           []string           `json:"alerts"`
	DataInsufficient []string           `json:"data_insufficient"`
}

// Report is a rendered monthly diagnosis.
type Report struct {
	FileID        string   `json:"file_id"`
	URL           string   `json:"signed_url"`
	SummaryBlocks []string `json:"summary_blocks"`
}

// Reports computes KPIs and renders the monthly report.
type Reports interface {
	ComputeAndPersist(ctx context.Context, userID, monthRef string, input answers.Object) (KPIResult, error)
	RenderReport(ctx context.Context, userID, monthRef string, kpis KPIResult) (Report, error)
}

// ArtifactRequest asks for a module deliverable.
type ArtifactRequest struct {
	UserID       string         `json:"user_id"`
	Module       string         `json:"module"`
	Wizard       string         `json:"wizard"`
	RequestedBy  string         `json:"requested_by"`
	Source       string         `json:"source"`
	MonthRef     string         `json:"month_ref"`
	Answers      answers.Object `json:"answers"`
	MonthlyInput answers.Object `json:"monthly_input,omitempty"`
}

// Artifact is a generated module deliverable.
type Artifact struct {
	RunID  string `json:"run_id"`
	FileID string `json:"file_id"`
	URL    string `json:"signed_url"`
}

// Artifacts generates module deliverables.
type Artifacts interface {
	GenerateArtifact(ctx context.Context, req ArtifactRequest) (Artifact, error)
}
