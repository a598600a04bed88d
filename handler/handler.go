package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/metrics"
	"whatsapp-companion/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	whatsappObject    = "whatsapp_business_account"
)

// MessageSink receives normalized inbound text messages.
type MessageSink interface {
	OnMessage(senderID, text string)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Handler struct {
	sink        MessageSink
	params      ParamGetter
	paramPrefix string
	now         func() time.Time
	retention   time.Duration
	seen        *messageSet

	tokenMu     sync.Mutex
	verifyToken string
}

type Option func(*Handler)

// WithMessageRetention sets how long inbound message ids are remembered for
// redelivery detection.
func WithMessageRetention(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// webhookPayload is the subset of the WhatsApp Cloud API notification we read.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text,omitempty"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func NewHandler(sink MessageSink, params ParamGetter, paramPrefix string, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("handler: message sink must not be nil")
	}
	if params == nil {
		return nil, errors.New("handler: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	h := &Handler{
		sink:        sink,
		params:      params,
		paramPrefix: paramPrefix,
		now:         time.Now,
		retention:   DefaultMessageRetention,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.seen = newMessageSet(h.retention)
	return h, nil
}

// Handle routes one webhook request. Both /webhook and /webhook/whatsapp are
// served; GET verifies the subscription and POST accepts notifications.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := slog.Default().With("correlation_id", corrID)

	var resp events.APIGatewayProxyResponse
	switch path := strings.TrimRight(req.Path, "/"); {
	case path == "":
		resp = textResponse(http.StatusOK, "whatsapp-companion ok")
	case path == "/webhook" || path == "/webhook/whatsapp":
		switch req.HTTPMethod {
		case http.MethodGet:
			resp = h.verify(ctx, log, req)
		case http.MethodPost:
			resp = h.receive(log, req)
		default:
			resp = jsonError(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method not allowed")
		}
	default:
		resp = jsonError(http.StatusNotFound, usecase.ErrorInvalidInput, "not found")
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID
	return resp, nil
}

func (h *Handler) verify(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	expected, err := h.resolveVerifyToken(ctx)
	if err != nil {
		log.Error("verify token unavailable", "err", err)
		return jsonError(http.StatusInternalServerError, usecase.ErrorInternal, "")
	}
	if q["hub.mode"] != "subscribe" || q["hub.verify_token"] == "" || q["hub.verify_token"] != expected {
		log.Warn("webhook verification rejected", "mode", q["hub.mode"])
		return textResponse(http.StatusForbidden, "Forbidden")
	}
	log.Info("webhook verified")
	return textResponse(http.StatusOK, q["hub.challenge"])
}

func (h *Handler) receive(log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return jsonError(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid base64 body")
		}
		body = string(raw)
	}

	var payload webhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		log.Warn("invalid webhook body", "err", err)
		return jsonError(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid JSON body")
	}
	if payload.Object != whatsappObject {
		log.Warn("webhook object is not a WhatsApp account", "object", payload.Object)
		return jsonError(http.StatusBadRequest, usecase.ErrorInvalidInput, "unsupported object")
	}

	accepted, duplicates := 0, 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}
				sender := domain.NormalizeSender(msg.From)
				if sender == "" {
					continue
				}
				if msg.ID != "" && !h.seen.firstSeen(msg.ID, h.now()) {
					duplicates++
					metrics.DuplicateMessages.Inc()
					continue
				}
				h.sink.OnMessage(sender, msg.Text.Body)
				accepted++
			}
		}
	}
	if duplicates > 0 {
		log.Info("dropped redelivered messages", "duplicates", duplicates)
	}
	log.Debug("webhook accepted", "messages", accepted)
	return textResponse(http.StatusOK, "OK")
}

// resolveVerifyToken reads the verify token from SSM once it succeeds; a
// failed read is retried on the next request.
func (h *Handler) resolveVerifyToken(ctx context.Context) (string, error) {
	h.tokenMu.Lock()
	defer h.tokenMu.Unlock()
	if h.verifyToken != "" {
		return h.verifyToken, nil
	}
	v, err := h.params.GetParameter(ctx, h.paramPrefix+"/verify-token")
	if err != nil {
		return "", fmt.Errorf("handler: load verify token: %w", err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("handler: verify token is empty")
	}
	h.verifyToken = v
	return v, nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       body,
	}
}

func jsonError(status int, code usecase.ErrorCode, message string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: string(code), Message: message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
