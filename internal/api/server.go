package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"claimkv/internal/events"
	"claimkv/internal/logging"
	"claimkv/internal/model"
	"claimkv/internal/registry"
)

const DefaultCallerHeader = "X-Caller-ID"

type Options struct {
	Registry *registry.Registry
	// Broker feeds the event stream; nil disables /v1/events.
	Broker   *events.Broker
	Sequence registry.SequenceSource
	Logger   *slog.Logger
	// CallerHeader names the header carrying the authenticated account id.
	CallerHeader string
}

// NewServer wires the claim handlers into a router with request logging,
// panic recovery and caller authentication on claim routes.
func NewServer(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallerHeader == "" {
		opts.CallerHeader = DefaultCallerHeader
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		reg:    opts.Registry,
		broker: opts.Broker,
		seq:    opts.Sequence,
	}

	return HandlerWithOptions(s, ChiServerOptions{
		BaseRouter:       r,
		ClaimMiddlewares: []MiddlewareFunc{Authenticator(opts.CallerHeader)},
		ErrorHandlerFunc: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		},
	})
}

// Server implements ServerInterface on top of a Registry.
type Server struct {
	reg    *registry.Registry
	broker *events.Broker
	seq    registry.SequenceSource
}

var _ ServerInterface = (*Server)(nil)

type EntryResponse struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Sequence uint64 `json:"sequence"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
	Claims   int    `json:"claims"`
}

type EventResponse struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Caller string    `json:"caller"`
	Key    *string   `json:"key,omitempty"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Claims: s.reg.Len()}
	if s.seq != nil {
		resp.Sequence = s.seq.Current()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) CreateClaim(w http.ResponseWriter, r *http.Request, key string) {
	raw, ok := decodeKey(w, key)
	if !ok {
		return
	}
	entry, err := s.reg.Create(CallerFromContext(r.Context()), raw)
	if err != nil {
		s.fail(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (s *Server) ReadClaim(w http.ResponseWriter, r *http.Request, key string) {
	raw, ok := decodeKey(w, key)
	if !ok {
		return
	}
	entry, err := s.reg.Read(CallerFromContext(r.Context()), raw)
	if err != nil {
		s.fail(w, r, "read", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (s *Server) UpdateClaim(w http.ResponseWriter, r *http.Request, key string) {
	raw, ok := decodeKey(w, key)
	if !ok {
		return
	}
	entry, err := s.reg.Update(CallerFromContext(r.Context()), raw)
	if err != nil {
		s.fail(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (s *Server) RemoveClaim(w http.ResponseWriter, r *http.Request, key string) {
	raw, ok := decodeKey(w, key)
	if !ok {
		return
	}
	if err := s.reg.Remove(CallerFromContext(r.Context()), raw); err != nil {
		s.fail(w, r, "remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents sends registry events as server-sent events until the client
// goes away or the broker shuts down.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream is disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ch, cancel := s.broker.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(toEventResponse(env))
			if err != nil {
				logging.FromContext(r.Context()).Error("encode event", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Event.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// fail maps a registry error to its status code. Rejections are traced at
// debug level; anything else is an infrastructure failure.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := logging.FromContext(r.Context()).With(
		slog.String("op", op),
		slog.String("caller", CallerFromContext(r.Context()).ID()))

	var status int
	var code string
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrNotOwner):
		status, code = http.StatusForbidden, "not_owner"
	case errors.Is(err, registry.ErrAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	default:
		logger.Error("claim operation failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	logger.Debug("claim operation rejected", slog.String("reason", code))
	writeError(w, status, code, err.Error())
}

// EncodeKey is the path form of a raw claim key.
func EncodeKey(raw []byte) string { return base64.RawURLEncoding.EncodeToString(raw) }

func decodeKey(w http.ResponseWriter, key string) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "key must be unpadded base64url")
		return nil, false
	}
	return raw, true
}

func toEntryResponse(e model.Entry) EntryResponse {
	return EntryResponse{Key: EncodeKey(e.Key), Owner: e.Owner, Sequence: e.Sequence}
}

func toEventResponse(env events.Envelope) EventResponse {
	resp := EventResponse{
		ID:     env.ID,
		At:     env.At,
		Kind:   string(env.Event.Kind),
		Caller: env.Event.Caller,
	}
	if env.Event.Key != nil {
		k := EncodeKey(env.Event.Key)
		resp.Key = &k
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}
