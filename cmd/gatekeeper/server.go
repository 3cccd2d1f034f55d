package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/pkg/dispatch"
	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/llmerrors"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/proto"
)

// Server exposes the traffic controller over HTTP.
type Server struct {
	controller *dispatch.Controller
	providers  *ProviderSet
	logger     *logx.Logger
}

// NewServer wires the HTTP surface around a started controller.
func NewServer(controller *dispatch.Controller, providers *ProviderSet, logger *logx.Logger) *Server {
	return &Server{controller: controller, providers: providers, logger: logger}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/complete", s.handleComplete)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// completeRequest is the /v1/complete request body.
type completeRequest struct {
	Tenant         string `json:"tenant"`
	Priority       string `json:"priority"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	TaskType       string `json:"task_type"`
	Prompt         string `json:"prompt"`
	PolicyID       string `json:"policy_id,omitempty"`
	MaxQueueWaitMs int    `json:"max_queue_wait_ms,omitempty"`
	DeadlineMs     int    `json:"deadline_ms,omitempty"`
}

type completeResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	priority, err := proto.ParsePriority(body.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	md := proto.Metadata{Provider: body.Provider, Model: body.Model, TaskType: body.TaskType}

	req := &dispatch.Request{
		Tenant:   body.Tenant,
		Priority: priority,
		Metadata: md,
		Prompt:   body.Prompt,
		PolicyID: body.PolicyID,
		Execute:  s.providers.Executor(md, body.Prompt),
		CreateFallbackRequest: func(target fallback.Target) *dispatch.Request {
			return s.fallbackRequest(body, priority, target)
		},
	}
	if body.MaxQueueWaitMs > 0 {
		req.MaxQueueWait = time.Duration(body.MaxQueueWaitMs) * time.Millisecond
	}
	if body.DeadlineMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMs) * time.Millisecond)
	}

	text, err := s.controller.HandleText(r.Context(), req)
	if err != nil {
		status, resp := admissionError(err)
		s.logger.Warn("Completion rejected",
			"tenant", body.Tenant, "model", body.Model, "status", status, "error", err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Text: text})
}

// fallbackRequest rebuilds a completion request against a fallback
// model, same provider and prompt.
func (s *Server) fallbackRequest(body completeRequest, priority proto.Priority, target fallback.Target) *dispatch.Request {
	if target.Kind != fallback.KindModel {
		return nil
	}
	md := proto.Metadata{Provider: body.Provider, Model: target.Model, TaskType: body.TaskType}
	return &dispatch.Request{
		Tenant:   body.Tenant,
		Priority: priority,
		Metadata: md,
		Prompt:   body.Prompt,
		PolicyID: body.PolicyID,
		Execute:  s.providers.Executor(md, body.Prompt),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.controller.GetStats(),
		"queue": s.controller.DumpQueue(),
	})
}

// admissionError maps controller rejections to HTTP statuses.
func admissionError(err error) (int, errorResponse) {
	var qt *llmerrors.QueueWaitTimeoutError
	if errors.As(err, &qt) {
		return http.StatusGatewayTimeout, errorResponse{Error: err.Error()}
	}
	var co *llmerrors.CircuitBreakerOpenError
	if errors.As(err, &co) {
		return http.StatusServiceUnavailable, errorResponse{
			Error:        err.Error(),
			RetryAfterMs: co.RetryAfter.Milliseconds(),
		}
	}
	var rl *llmerrors.RateLimitedUpstreamError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, errorResponse{
			Error:        err.Error(),
			RetryAfterMs: rl.RetryAfter.Milliseconds(),
		}
	}
	return http.StatusBadGateway, errorResponse{Error: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
