package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/ai-usage-gateway/internal/auth"
	"github.com/vnmchuo/ai-usage-gateway/internal/errtrack"
	"github.com/vnmchuo/ai-usage-gateway/internal/gateway"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
	"github.com/vnmchuo/ai-usage-gateway/internal/usage"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

// codeInternal replaces CONFIGURATION_ERROR on the wire.
const codeInternal = "INTERNAL_ERROR"

type Invoker interface {
	Invoke(ctx context.Context, req *gateway.Request) (*gateway.Result, error)
}

type Ledger interface {
	CheckLimit(ctx context.Context, userID, service, featureType string) (*quota.Status, error)
	Usage(ctx context.Context, userID, service string, from, to time.Time) ([]*usage.Event, decimal.Decimal, error)
}

type Handler struct {
	gateway Invoker
	ledger  Ledger
	tracker errtrack.Tracker
	log     *logger.Logger
}

func NewHandler(gw Invoker, ledger Ledger, tracker errtrack.Tracker, log *logger.Logger) *Handler {
	return &Handler{
		gateway: gw,
		ledger:  ledger,
		tracker: tracker,
		log:     log.With("component", "server"),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeRequest struct {
	FeatureType      string         `json:"feature_type"`
	ActionType       string         `json:"action_type"`
	Phase            string         `json:"phase"`
	Messages         []message      `json:"messages"`
	StructuredOutput bool           `json:"structured_output"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  *int           `json:"max_output_tokens,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type invokeResponse struct {
	RequestID string          `json:"request_id"`
	Content   string          `json:"content"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	Model     string          `json:"model"`
	Provider  provider.Tag    `json:"provider"`
	Usage     usageBody       `json:"usage"`
	FellBack  bool            `json:"fell_back"`
}

type limitBody struct {
	Code             string `json:"code"`
	Error            string `json:"error"`
	PlanTier         string `json:"plan_tier"`
	FeatureUsage     int    `json:"feature_usage"`
	FeatureLimit     int    `json:"feature_limit"`
	FeatureRemaining int    `json:"feature_remaining"`
	DailyUsage       int    `json:"daily_usage"`
	DailyLimit       int    `json:"daily_limit"`
	MonthlyUsage     int    `json:"monthly_usage"`
	MonthlyLimit     int    `json:"monthly_limit"`
}

func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := auth.GetService(ctx)
	if service == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("UNAUTHORIZED", "unauthorized"))
		return
	}

	var body invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(gateway.CodeInvalidRequest, "invalid request body"))
		return
	}

	messages := make([]provider.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}

	res, err := h.gateway.Invoke(ctx, &gateway.Request{
		RequestID:   auth.GetRequestID(ctx),
		UserID:      auth.GetUserID(ctx),
		Service:     service,
		FeatureType: body.FeatureType,
		ActionType:  body.ActionType,
		Phase:       body.Phase,
		Payload: gateway.Payload{
			Messages:         messages,
			StructuredOutput: body.StructuredOutput,
			Temperature:      body.Temperature,
			MaxOutputTokens:  body.MaxOutputTokens,
		},
		Metadata: body.Metadata,
	})
	if err != nil {
		h.writeInvokeError(ctx, w, service, err)
		return
	}

	resp := invokeResponse{
		RequestID: res.RequestID,
		Content:   res.Content,
		Model:     res.Model,
		Provider:  res.Provider,
		Usage:     usageBody{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens},
		FellBack:  res.FellBack,
	}
	if res.Parsed != nil {
		resp.Parsed = res.Parsed.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeInvokeError(ctx context.Context, w http.ResponseWriter, service string, err error) {
	code := gateway.Code(err)
	switch code {
	case gateway.CodeLimitExceeded:
		var limitErr *gateway.LimitExceededError
		errors.As(err, &limitErr)
		st := limitErr.Status
		writeJSON(w, http.StatusTooManyRequests, limitBody{
			Code:             code,
			Error:            "usage limit exceeded",
			PlanTier:         st.PlanTier,
			FeatureUsage:     st.FeatureUsage,
			FeatureLimit:     st.FeatureLimit,
			FeatureRemaining: st.FeatureRemaining,
			DailyUsage:       st.DailyUsage,
			DailyLimit:       st.DailyLimit,
			MonthlyUsage:     st.MonthlyUsage,
			MonthlyLimit:     st.MonthlyLimit,
		})
	case gateway.CodeInvalidRequest:
		writeJSON(w, http.StatusBadRequest, errorBody(code, err.Error()))
	case gateway.CodeInvalidResponse:
		h.log.Warnw("invocation returned unparseable output", "service", service, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody(code, "the AI returned a response that could not be read"))
	case gateway.CodeConfiguration:
		h.log.Errorw("gateway misconfigured", "service", service, "error", err)
		h.tracker.CaptureError(ctx, err, map[string]string{"service": service, "code": code})
		writeJSON(w, http.StatusInternalServerError, errorBody(codeInternal, "internal error"))
	default:
		h.log.Warnw("ai unavailable", "service", service, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody(gateway.CodeAIUnavailable, "AI is temporarily unavailable"))
	}
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service, userID, ok := caller(w, r)
	if !ok {
		return
	}
	featureType := r.URL.Query().Get("feature_type")
	if featureType == "" {
		writeJSON(w, http.StatusBadRequest, errorBody(gateway.CodeInvalidRequest, "feature_type is required"))
		return
	}

	st, err := h.ledger.CheckLimit(ctx, userID, service, featureType)
	if err != nil {
		h.log.Errorw("quota lookup failed", "service", service, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody(gateway.CodeAIUnavailable, "quota ledger unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service, userID, ok := caller(w, r)
	if !ok {
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(gateway.CodeInvalidRequest, "invalid 'from' date format (use RFC3339)"))
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(gateway.CodeInvalidRequest, "invalid 'to' date format (use RFC3339)"))
			return
		}
		to = t
	}

	events, total, err := h.ledger.Usage(ctx, userID, service, from, to)
	if err != nil {
		h.log.Errorw("usage lookup failed", "service", service, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(codeInternal, "internal error"))
		return
	}
	if events == nil {
		events = []*usage.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"service":        service,
		"total_requests": distinctRequests(events),
		"total_cost_usd": total,
		"events":         events,
		"from":           from,
		"to":             to,
	})
}

// distinctRequests counts invocations rather than rows.
func distinctRequests(events []*usage.Event) int {
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		seen[e.RequestID] = struct{}{}
	}
	return len(seen)
}

// caller returns the authenticated service and end user, writing an error
// response when either is missing.
func caller(w http.ResponseWriter, r *http.Request) (service, userID string, ok bool) {
	service = auth.GetService(r.Context())
	if service == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("UNAUTHORIZED", "unauthorized"))
		return "", "", false
	}
	userID = auth.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody(gateway.CodeInvalidRequest, auth.HeaderUserID+" header is required"))
		return "", "", false
	}
	return service, userID, true
}

func errorBody(code, msg string) map[string]string {
	return map[string]string{"code": code, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
