// Package api is the HTTP and WebSocket gateway of the encounter engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dndtracker/internal/encounter"
	"dndtracker/internal/metrics"
	"dndtracker/internal/session"
)

const maxBodyBytes = 64 << 10

// Options tunes the gateway.
type Options struct {
	AllowedOrigins []string
	CreateRate     float64
	CreateBurst    int
	SyncRate       float64
	SyncBurst      int
	// Gatherer backs /metrics. A nil Gatherer disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server routes requests to the session service.
type Server struct {
	svc      *session.Service
	opts     Options
	origins  originPolicy
	upgrader websocket.Upgrader
	creates  *rate.Limiter

	log     *zap.Logger
	metrics *metrics.Collectors
}

// NewServer builds the gateway. log and m may be nil.
func NewServer(svc *session.Service, opts Options, log *zap.Logger, m *metrics.Collectors) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.CreateRate <= 0 {
		opts.CreateRate = 5
	}
	if opts.CreateBurst <= 0 {
		opts.CreateBurst = 10
	}
	if opts.SyncRate <= 0 {
		opts.SyncRate = 1
	}
	if opts.SyncBurst <= 0 {
		opts.SyncBurst = 5
	}

	s := &Server{
		svc:     svc,
		opts:    opts,
		origins: newOriginPolicy(opts.AllowedOrigins),
		creates: rate.NewLimiter(rate.Limit(opts.CreateRate), opts.CreateBurst),
		log:     log,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.permits(r.Header.Get("Origin"))
		},
	}
	return s
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/api/encounters", s.createEncounter).Methods(http.MethodPost)
	r.HandleFunc("/api/encounters/{id}", s.getEncounter).Methods(http.MethodGet)
	r.HandleFunc("/api/encounters/{id}/actions", s.postAction).Methods(http.MethodPost)
	r.HandleFunc("/api/encounters/{id}/rolls", s.postRoll).Methods(http.MethodPost)
	r.HandleFunc("/api/encounters/{id}/chat", s.postChat).Methods(http.MethodPost)
	r.HandleFunc("/ws/encounters/{id}", s.serveChannel).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = s.instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "no such route"})
	}))

	return requestID(s.cors(r))
}

type createRequest struct {
	Name string `json:"name"`
}

type createResponse struct {
	EncounterID string `json:"encounter_id"`
	HostToken   string `json:"host_token"`
	PlayerToken string `json:"player_token"`
}

type stateResponse struct {
	State json.RawMessage `json:"state"`
}

type actionRequest struct {
	Token  string          `json:"token"`
	Action json.RawMessage `json:"action"`
}

type rollRequest struct {
	Token string          `json:"token"`
	Roll  *encounter.Roll `json:"roll"`
}

type chatRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

func (s *Server) createEncounter(w http.ResponseWriter, r *http.Request) {
	if !s.creates.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: codeRateLimited, Detail: "too many encounters created, retry later"})
		return
	}
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.svc.Create(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{
		EncounterID: created.EncounterID,
		HostToken:   created.HostToken,
		PlayerToken: created.PlayerToken,
	})
}

func (s *Server) getEncounter(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: snap.Body})
}

func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.svc.ActJSON(r.Context(), mux.Vars(r)["id"], tokenOf(r, req.Token), req.Action))
}

func (s *Server) postRoll(w http.ResponseWriter, r *http.Request) {
	var req rollRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Roll == nil {
		s.writeError(w, r, fmt.Errorf("%w: roll is required", encounter.ErrInvalidArgument))
		return
	}
	s.reply(w, r)(s.svc.Roll(r.Context(), mux.Vars(r)["id"], tokenOf(r, req.Token), *req.Roll))
}

func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.svc.Chat(r.Context(), mux.Vars(r)["id"], tokenOf(r, req.Token), req.Message))
}

type healthResponse struct {
	Status     string `json:"status"`
	Encounters int    `json:"encounters"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Encounters: s.svc.Len()})
}

// reply writes the committed state, or the error, of a mutation.
func (s *Server) reply(w http.ResponseWriter, r *http.Request) func(encounter.Snapshot, error) {
	return func(snap encounter.Snapshot, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stateResponse{State: snap.Body})
	}
}

// tokenOf prefers the body token and falls back to the query parameter.
func tokenOf(r *http.Request, body string) string {
	if tok := strings.TrimSpace(body); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", encounter.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: decode body: %v", encounter.ErrInvalidArgument, err)
	}
	return nil
}
