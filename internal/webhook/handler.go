package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/ingest"
	"go.uber.org/zap"
)

// Options configures the webhook endpoint.
type Options struct {
	// MaxBodyBytes caps the request body. Defaults to 16 MiB.
	MaxBodyBytes int64
	// RetryOnFailure answers 503 when storing an event fails so the gateway
	// redelivers it. When false such events are acknowledged and logged.
	RetryOnFailure bool
}

// Response is the body returned to the gateway.
type Response struct {
	Status    string `json:"status"`
	Event     string `json:"event,omitempty"`
	Processed int    `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// Handler serves POST /webhook/{instance}.
type Handler struct {
	decoder *Decoder
	target  event.Handler
	opts    Options
	logger  *zap.Logger
}

// NewHandler creates the webhook endpoint dispatching decoded events to target.
func NewHandler(target event.Handler, opts Options, logger *zap.Logger) (*Handler, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{decoder: decoder, target: target, opts: opts, logger: logger}, nil
}

// Register mounts the webhook routes on r. Gateways configured to post one
// URL per event append the event name to the path.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhook", h.ServeHTTP).Methods(http.MethodPost)
	r.HandleFunc("/webhook/{instance}", h.ServeHTTP).Methods(http.MethodPost)
	r.HandleFunc("/webhook/{instance}/{event}", h.ServeHTTP).Methods(http.MethodPost)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: "rejected", Error: "read body"})
		return
	}
	if int64(len(body)) > h.opts.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, Response{Status: "rejected", Error: "body too large"})
		return
	}

	batch, err := h.decoder.Decode(body)
	if err != nil {
		code := http.StatusUnprocessableEntity
		if errors.Is(err, ErrMalformed) {
			code = http.StatusBadRequest
		}
		h.logger.Warn("webhook rejected", zap.Error(err))
		writeJSON(w, code, Response{Status: "rejected", Error: err.Error()})
		return
	}

	vars := mux.Vars(r)
	if inst := vars["instance"]; inst != "" {
		batch.Instance = inst
	}
	if batch.Instance == "" {
		writeJSON(w, http.StatusUnprocessableEntity, Response{Status: "rejected", Event: batch.Name, Error: "missing instance"})
		return
	}
	if !batch.Known {
		h.logger.Debug("webhook event ignored", zap.String("event", batch.Name), zap.String("instance", batch.Instance))
		writeJSON(w, http.StatusOK, Response{Status: "ignored", Event: batch.Name})
		return
	}

	code, resp := h.dispatch(r, batch)
	writeJSON(w, code, resp)
}

// dispatch hands every event of the batch to the target. Events are
// independent; one failing does not stop the rest.
func (h *Handler) dispatch(r *http.Request, batch *Batch) (int, Response) {
	resp := Response{Status: "ok", Event: batch.Name}
	var failed, invalid error

	for _, evt := range batch.Events {
		err := evt.Accept(r.Context(), batch.Instance, h.target)
		switch {
		case err == nil:
			resp.Processed++
		case errors.Is(err, ingest.ErrUnknownInstance):
			h.logger.Debug("webhook for unknown instance ignored", zap.String("instance", batch.Instance))
			resp.Status = "ignored"
			return http.StatusOK, resp
		case errors.Is(err, ingest.ErrInvalidEvent):
			invalid = err
		default:
			failed = err
		}
	}

	// A failed event outranks an invalid one so the batch can still be
	// redelivered.
	switch {
	case failed != nil:
		h.logger.Error("webhook event failed",
			zap.String("instance", batch.Instance),
			zap.String("event", batch.Name),
			zap.Bool("retry", h.opts.RetryOnFailure),
			zap.Error(failed),
		)
		resp.Status, resp.Error = "error", failed.Error()
		if h.opts.RetryOnFailure {
			return http.StatusServiceUnavailable, resp
		}
		return http.StatusOK, resp
	case invalid != nil:
		h.logger.Warn("webhook event invalid",
			zap.String("instance", batch.Instance),
			zap.String("event", batch.Name),
			zap.Error(invalid),
		)
		resp.Status, resp.Error = "rejected", invalid.Error()
		return http.StatusUnprocessableEntity, resp
	}
	return http.StatusOK, resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
