package chatapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/supportdesk/chatsync/internal/chatsync"
)

// sendMessageSchema validates POSTed message bodies before they reach
// the store. sender_type is constrained to the known roles; timestamp
// is accepted but not trusted (the server's clock is authoritative).
const sendMessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sender_id", "sender_type", "message"],
	"properties": {
		"sender_id": {"type": "integer", "minimum": 1},
		"sender_type": {"enum": ["user", "admin", "system"]},
		"message": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"}
	},
	"additionalProperties": false
}`

const supportRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["user_id", "issue"],
	"properties": {
		"user_id": {"type": "integer", "minimum": 1},
		"issue": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

type ServerConfig struct {
	// RatePerSecond limits requests per client address. Zero disables
	// limiting (tests, local demo).
	RatePerSecond float64
	RateBurst     int
	MaxBodyBytes  int64
	Logger        *slog.Logger

	// Now is the server's time source, canonical-formatted into the
	// X-Server-Time header and message timestamps. Nil means time.Now.
	Now func() time.Time
}

type Server struct {
	store  Store
	cfg    ServerConfig
	logger *slog.Logger
	router chi.Router

	sendSchema    *jsonschema.Schema
	requestSchema *jsonschema.Schema

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(store Store, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		limiters: map[string]*rate.Limiter{},
	}

	var err error
	if s.sendSchema, err = compileSchema("send_message.json", sendMessageSchema); err != nil {
		return nil, fmt.Errorf("compile send schema: %w", err)
	}
	if s.requestSchema, err = compileSchema("support_request.json", supportRequestSchema); err != nil {
		return nil, fmt.Errorf("compile support request schema: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.serverTime)
	r.Use(s.rateLimit)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/chat/{requestID}", s.handleHistory)
		r.Get("/chat/{requestID}/messages", s.handleMessagesSince)
		r.Post("/chat/{requestID}/messages", s.handleSend)

		// Support-router aliases for the same operations. Deployments
		// that front this API with the older router expose these paths
		// instead, so clients probe both.
		r.Get("/support/requests/{requestID}", s.handleHistory)
		r.Post("/support/requests/{requestID}/messages", s.handleSend)
		r.Post("/support/support-request", s.handleCreateRequest)
	})
	s.router = r
	return s, nil
}

func compileSchema(name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// serverTime stamps every response with the server's canonical clock
// reading and records the client's self-reported clock for skew
// diagnostics.
func (s *Server) serverTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := s.cfg.Now().UTC()
		w.Header().Set("X-Server-Time", chatsync.Canonical(now))
		if clientStamp := r.Header.Get("X-Client-Timestamp"); clientStamp != "" {
			if sentAt, ok := chatsync.ParseTimestamp(clientStamp); ok {
				skew := now.Sub(sentAt)
				if skew >= time.Minute || skew <= -time.Minute {
					s.logger.Warn("client clock far from server clock",
						"skew", skew.String(), "remote", r.RemoteAddr)
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RatePerSecond <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiterFor(host).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	s.limiters[key] = l
	return l
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.requestIDParam(w, r)
	if !ok {
		return
	}
	conv, messages, err := s.store.Conversation(r.Context(), requestID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatsync.History{
		RequestID: conv.RequestID,
		Status:    conv.Status,
		Issue:     conv.Issue,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Messages:  messages,
	})
}

func (s *Server) handleMessagesSince(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.requestIDParam(w, r)
	if !ok {
		return
	}
	since := r.URL.Query().Get("since")
	if since != "" {
		parsed, valid := chatsync.ParseTimestamp(since)
		if valid {
			since = chatsync.Canonical(parsed)
		} else {
			// A malformed cursor degrades to a full window rather
			// than failing the poll.
			s.logger.Warn("malformed since parameter, returning full window", "since", since)
			since = ""
		}
	}
	messages, err := s.store.MessagesSince(r.Context(), requestID, since)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.requestIDParam(w, r)
	if !ok {
		return
	}
	body, ok := s.validatedBody(w, r, s.sendSchema)
	if !ok {
		return
	}
	var payload chatsync.OutgoingMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	// The client's timestamp is advisory; the stored timestamp comes
	// from the server clock so transcripts order consistently across
	// clients with skewed clocks.
	timestamp := chatsync.Canonical(s.cfg.Now())
	message, err := s.store.AppendMessage(r.Context(), requestID, payload.SenderID, payload.SenderType, payload.Body, timestamp)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatsync.SendReceipt{ID: message.ID, Timestamp: message.Timestamp})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := s.validatedBody(w, r, s.requestSchema)
	if !ok {
		return
	}
	var payload struct {
		UserID int64  `json:"user_id"`
		Issue  string `json:"issue"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	timestamp := chatsync.Canonical(s.cfg.Now())
	conv, _, err := s.store.CreateConversation(r.Context(), payload.UserID, payload.Issue, timestamp)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("support request created", "request_id", conv.RequestID, "user_id", conv.UserID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": conv.RequestID,
		"status":     conv.Status,
		"created_at": conv.CreatedAt,
	})
}

func (s *Server) requestIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "requestID")
	requestID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || requestID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request id")
		return 0, false
	}
	return requestID, true
}

// validatedBody reads the request body and checks it against the given
// schema. Responds itself on failure.
func (s *Server) validatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return nil, false
	}
	if err := schema.Validate(instance); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return nil, false
	}
	return body, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "support request not found")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid input")
	default:
		s.logger.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
