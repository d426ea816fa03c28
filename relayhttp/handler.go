// Package relayhttp exposes the relay over HTTP: subscribe, consume and
// produce calls, schema registry setup and a debug view.
package relayhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/ggoodman/kafka-relay-go/consume"
	"github.com/ggoodman/kafka-relay-go/internal/diagnostics"
	"github.com/ggoodman/kafka-relay-go/internal/logctx"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/produce"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/ggoodman/kafka-relay-go/subscriptions"
	"github.com/ggoodman/kafka-relay-go/topics"
	"github.com/google/uuid"
)

// GenericErrorMessage is reported for failures not caused by the caller.
const GenericErrorMessage = `¯\_(ツ)_/¯ Oops! Something went wrong`

const (
	requestIDHeader = "X-Request-Id"
	appName         = "kafka-relay"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Deps are the relay components the handler serves.
type Deps struct {
	Subscriptions *subscriptions.Registry
	Consumer      *consume.Engine
	Producer      *produce.Producer
	Registry      *schema.Registry
	Topics        *topics.Manager
	Messages      *msglog.Log
}

type Handler struct {
	log       *slog.Logger
	mux       *http.ServeMux
	deps      Deps
	lookupEnv func(string) (string, bool)
	diag      *diagnostics.Recorder
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithEnv resolves <ENV_VAR> placeholders in request bodies. The process
// environment is used by default.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(h *Handler) { h.lookupEnv = lookup }
}

// WithDiagnostics records endpoint calls on d.
func WithDiagnostics(d *diagnostics.Recorder) Option {
	return func(h *Handler) { h.diag = d }
}

func New(deps Deps, opts ...Option) *Handler {
	h := &Handler{
		log:       slog.Default(),
		deps:      deps,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleHello)
	mux.HandleFunc("POST /subscribe", h.observe("subscribe", h.handleSubscribe))
	mux.HandleFunc("DELETE /subscriptions/{id}", h.observe("unsubscribe", h.handleUnsubscribe))
	mux.HandleFunc("GET /consume/{id}", h.observe("consume", h.handleConsume))
	mux.HandleFunc("POST /produce", h.observe("produce", h.handleProduce))
	mux.HandleFunc("POST /registry", h.handleRegistry)
	mux.HandleFunc("PUT /registry/encode", h.handleRegistryEncode)
	mux.HandleFunc("GET /debug", h.handleDebug)
	mux.HandleFunc("GET /schemas/{name}", h.handleSchema)
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) observe(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		h.diag.Observe(endpoint, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Payload any    `json:"payload,omitempty"`
}

// classify maps err to the status and message reported to the caller.
func classify(err error) errorDetail {
	if ce, ok := apierr.As(err); ok {
		return errorDetail{Message: ce.Message, Status: ce.Status, Payload: ce.Payload}
	}
	var se *schema.Error
	if errors.As(err, &se) || errors.Is(err, schema.ErrNotInitialized) {
		return errorDetail{Message: err.Error(), Status: http.StatusBadRequest}
	}
	if kafka.IsError(err) {
		return errorDetail{Message: err.Error(), Status: http.StatusBadRequest}
	}
	return errorDetail{Message: GenericErrorMessage, Status: http.StatusInternalServerError}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	detail := classify(err)
	if detail.Status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.request.fail", slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "http.request.rejected", slog.Int("status", detail.Status), slog.String("err", err.Error()))
	}
	writeJSON(w, detail.Status, map[string]errorDetail{"error": detail})
}

func (h *Handler) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"hello": "From " + appName})
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(r.Context(), w, apierr.NotFound("Route %s:%s not found", r.Method, r.URL.Path))
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SubscribeRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	var opts subscriptions.AddOptions
	if req.Timestamp > 0 {
		opts.StartAt = time.UnixMilli(req.Timestamp)
	}
	sub, err := h.deps.Subscriptions.Add(ctx, subscriptions.Params{Topic: req.Topic, Conn: req.config()}, opts)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	ctx = logctx.WithSubscription(ctx, sub.ID, sub.Topic)
	h.log.InfoContext(ctx, "http.subscribe.ok")
	writeJSON(w, http.StatusOK, map[string]string{"id": sub.ID})
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := h.deps.Subscriptions.Delete(ctx, id); err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			err = apierr.NotFound("No subscription found for id %s", id)
		}
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := parseConsumeQuery(r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	ctx = logctx.WithSubscription(ctx, q.ID, "")
	msgs, err := h.deps.Consumer.Consume(ctx, q.ID, q.options())
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) handleProduce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ProduceRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	md, err := h.deps.Producer.Produce(ctx, req.request())
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req schema.Options
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	msg, err := h.deps.Registry.Init(ctx, req)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (h *Handler) handleRegistryEncode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req schema.Subject
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.deps.Registry.SetEncodeSchema(ctx, req); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Schema registry encode schema set successfully"})
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s, ok := bodySchemas()[name]
	if !ok {
		h.writeError(r.Context(), w, apierr.NotFound("No schema named %s", name))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := h.debugSnapshot(ctx)
	if err != nil {
		h.writeError(ctx, w, fmt.Errorf("debug snapshot: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
