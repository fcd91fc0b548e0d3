package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/docwallet/dwagent/pkg/audit"
	"github.com/docwallet/dwagent/pkg/keys"
	"github.com/docwallet/dwagent/pkg/quorum"
	"github.com/docwallet/dwagent/pkg/store"
)

// Params wires a Server.
type Params struct {
	Repo      *store.Repository
	Vault     *keys.Vault
	Approvals *quorum.Service
	Audit     audit.Logger
	JWTSecret []byte
	// CORSOrigins limits browser callers; empty allows all.
	CORSOrigins []string
	// RateRPS/RateBurst bound per-IP request rates; zero uses defaults.
	RateRPS   float64
	RateBurst int
	Logger    *slog.Logger
}

// Server serves the signer-facing approval API.
type Server struct {
	repo      *store.Repository
	vault     *keys.Vault
	approvals *quorum.Service
	audit     audit.Logger
	secret    []byte
	cors      []string
	limiter   *ipLimiter
	log       *slog.Logger

	now func() time.Time
}

// New builds the server. The vault may be nil when attested joins are not
// offered; basic joins still work.
func New(p Params) (*Server, error) {
	if p.Repo == nil || p.Approvals == nil {
		return nil, fmt.Errorf("api: repo and approval service are required")
	}
	if len(p.JWTSecret) == 0 {
		return nil, fmt.Errorf("api: jwt secret is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Audit == nil {
		p.Audit = audit.NewLogger()
	}
	if p.RateRPS <= 0 {
		p.RateRPS = 5
	}
	if p.RateBurst <= 0 {
		p.RateBurst = 10
	}
	return &Server{
		repo:      p.Repo,
		vault:     p.Vault,
		approvals: p.Approvals,
		audit:     p.Audit,
		secret:    p.JWTSecret,
		cors:      p.CORSOrigins,
		limiter:   newIPLimiter(p.RateRPS, p.RateBurst),
		log:       p.Logger.With("component", "api"),
		now:       time.Now,
	}, nil
}

// Router returns the handler tree with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/join/start", s.handleStartJoin).Methods(http.MethodPost)
	r.HandleFunc("/join/finish", s.handleFinishJoin).Methods(http.MethodPost)
	r.HandleFunc("/decision", s.handleDecision).Methods(http.MethodPost)
	r.HandleFunc("/approve", s.handleApproveInfo).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.limiter.middleware(h)
	h = corsMiddleware(s.cors)(h)
	h = requestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a bounded JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(dst)
}
