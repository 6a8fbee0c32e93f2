package api

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/jobs"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			slog.Error("Server healthHandler store ping failed", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyHandler answers the subscription challenge sent when the webhook is registered.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := webhook.VerifyChallenge(s.deps.VerifyToken, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		slog.Warn("Server verifyHandler rejected challenge", "mode", q.Get("hub.mode"))
		writeError(w, http.StatusUnauthorized, "Verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (s *Server) webhookHandler(src webhook.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			slog.Warn("Server webhookHandler failed to read body", "error", err, "provider", src.Provider)
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		out, err := s.deps.Intake.Accept(r.Context(), src, body, r.Header)
		if err != nil {
			s.writeAcceptError(w, src, err)
			return
		}

		resp := WebhookResponse{Received: true}
		switch {
		case out.Duplicate:
			resp.Duplicate = true
			resp.Status = string(out.ExistingStatus)
		default:
			queued := out.Queued
			resp.Queued = &queued
		}
		writeJSONResponse(w, out.HTTPStatus(), resp)
	}
}

func (s *Server) writeAcceptError(w http.ResponseWriter, src webhook.Source, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAuthentication:
		writeError(w, http.StatusUnauthorized, "Invalid signature")
	case apperrors.CodeValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Server webhookHandler processing failed", "error", err, "provider", src.Provider)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// internalJobHandler enqueues an internal job, or runs it inline without a queue backend.
func (s *Server) internalJobHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedJobRequest(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	job := chi.URLParam(r, "job")
	if !jobs.Valid(job) {
		writeError(w, http.StatusNotFound, "Unknown job")
		return
	}

	queued, res, err := jobs.Enqueue(r.Context(), s.deps.Dispatcher, job, "internal_job_secret", nil, "")
	if err != nil {
		slog.Error("Server internalJobHandler enqueue failed", "error", err, "job", job)
		writeError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	if queued {
		writeJSONResponse(w, http.StatusAccepted, JobResponse{Queued: true, Job: job, JobID: res.JobID})
		return
	}

	if s.deps.Jobs == nil {
		writeError(w, http.StatusInternalServerError, "Job runner not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), jobRunTimeout)
	defer cancel()
	result, err := s.deps.Jobs.Run(ctx, job, "internal_job_secret")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, JobResponse{Queued: false, Job: job, Result: result})
}

func (s *Server) authorizedJobRequest(r *http.Request) bool {
	secret := s.deps.InternalJobSecret
	if secret == "" {
		slog.Warn("Server internal job request rejected, no secret configured")
		return false
	}
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
