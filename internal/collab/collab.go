// Package collab holds HTTP clients for the services RochaTurbo delegates to: KPI computation
// and report rendering, module artifact generation, and billing.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/flow"
	"github.com/rochaturbo/RochaTurbo/internal/httpx"
)

// ErrNotConfigured is returned by a client whose service URL is empty.
var ErrNotConfigured = errors.New("collaborator service is not configured")

// Config holds the collaborator endpoints. Token is sent as a Bearer credential.
type Config struct {
	ReportURL   string
	ArtifactURL string
	BillingURL  string
	Token       string
}

type endpoint struct {
	caller *httpx.Caller
	base   string
	token  string
}

func newEndpoint(name, base, token string, caller *httpx.Caller) endpoint {
	if caller == nil {
		caller = httpx.New(httpx.DefaultConfig(name))
	}
	return endpoint{caller: caller, base: strings.TrimRight(base, "/"), token: token}
}

func (e endpoint) post(ctx context.Context, path string, in, out any) error {
	if e.base == "" {
		return ErrNotConfigured
	}
	headers := map[string]string{}
	if e.token != "" {
		headers["Authorization"] = "Bearer " + e.token
	}
	return e.caller.PostJSON(ctx, e.base+path, headers, in, out)
}

// ReportService computes KPIs and renders the monthly diagnosis.
type ReportService struct {
	endpoint
}

var _ flow.Reports = (*ReportService)(nil)

// NewReportService creates a client for the report service. A nil caller gets a default one.
func NewReportService(cfg Config, caller *httpx.Caller) *ReportService {
	return &ReportService{newEndpoint("report-service", cfg.ReportURL, cfg.Token, caller)}
}

type computeRequest struct {
	UserID   string         `json:"user_id"`
	MonthRef string         `json:"month_ref"`
	Input    answers.Object `json:"input"`
}

// ComputeAndPersist computes and stores the KPIs of monthRef.
func (s *ReportService) ComputeAndPersist(ctx context.Context, userID, monthRef string, input answers.Object) (flow.KPIResult, error) {
	var out flow.KPIResult
	if err := s.post(ctx, "/kpis/compute", computeRequest{UserID: userID, MonthRef: monthRef, Input: input}, &out); err != nil {
		slog.Error("ReportService ComputeAndPersist failed", "error", err, "user_id", userID, "month_ref", monthRef)
		return flow.KPIResult{}, fmt.Errorf("compute kpis: %w", err)
	}
	return out, nil
}

type renderRequest struct {
	UserID   string         `json:"user_id"`
	MonthRef string         `json:"month_ref"`
	KPIs     flow.KPIResult `json:"kpis"`
}

// RenderReport renders the report and returns its signed download URL.
func (s *ReportService) RenderReport(ctx context.Context, userID, monthRef string, kpis flow.KPIResult) (flow.Report, error) {
	var out flow.Report
	if err := s.post(ctx, "/reports/render", renderRequest{UserID: userID, MonthRef: monthRef, KPIs: kpis}, &out); err != nil {
		slog.Error("ReportService RenderReport failed", "error", err, "user_id", userID, "month_ref", monthRef)
		return flow.Report{}, fmt.Errorf("render report: %w", err)
	}
	if out.URL == "" {
		return flow.Report{}, errors.New("render report: response has no signed url")
	}
	return out, nil
}

// ArtifactService generates module deliverables.
type ArtifactService struct {
	endpoint
}

var _ flow.Artifacts = (*ArtifactService)(nil)

func NewArtifactService(cfg Config, caller *httpx.Caller) *ArtifactService {
	return &ArtifactService{newEndpoint("artifact-service", cfg.ArtifactURL, cfg.Token, caller)}
}

// GenerateArtifact asks for the deliverable of req.Module.
func (s *ArtifactService) GenerateArtifact(ctx context.Context, req flow.ArtifactRequest) (flow.Artifact, error) {
	var out flow.Artifact
	if err := s.post(ctx, "/artifacts", req, &out); err != nil {
		slog.Error("ArtifactService GenerateArtifact failed", "error", err, "user_id", req.UserID, "module", req.Module)
		return flow.Artifact{}, fmt.Errorf("generate artifact: %w", err)
	}
	if out.URL == "" {
		return flow.Artifact{}, errors.New("generate artifact: response has no signed url")
	}
	return out, nil
}

// BillingService runs the billing routines owned by the billing service.
type BillingService struct {
	endpoint
}

func NewBillingService(cfg Config, caller *httpx.Caller) *BillingService {
	return &BillingService{newEndpoint("billing-service", cfg.BillingURL, cfg.Token, caller)}
}

// Configured reports whether a billing URL is set.
func (s *BillingService) Configured() bool {
	return s != nil && s.base != ""
}

type billingRun struct {
	RequestedBy string `json:"requested_by"`
}

// RunDunning marks overdue payments and sends reminders. The result is the service's summary.
func (s *BillingService) RunDunning(ctx context.Context, requestedBy string) (map[string]any, error) {
	return s.run(ctx, "/dunning/run", requestedBy)
}

// RenewSubscriptions refreshes the entitlements of every subscriber.
func (s *BillingService) RenewSubscriptions(ctx context.Context, requestedBy string) (map[string]any, error) {
	return s.run(ctx, "/subscriptions/renew", requestedBy)
}

func (s *BillingService) run(ctx context.Context, path, requestedBy string) (map[string]any, error) {
	out := map[string]any{}
	if err := s.post(ctx, path, billingRun{RequestedBy: requestedBy}, &out); err != nil {
		slog.Error("BillingService run failed", "error", err, "path", path)
		return nil, fmt.Errorf("billing %s: %w", path, err)
	}
	return out, nil
}
