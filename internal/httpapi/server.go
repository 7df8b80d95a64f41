// Package httpapi is the relay's HTTP surface: pairing, token refresh,
// agent listing, account/session, and billing endpoints. Router wiring
// and the CORS middleware follow an api.APIServer shape (gorilla/mux, a
// permissive-by-default CORS middleware wired through r.Use),
// generalized here to honor a configurable allow-origin list instead
// of a hard-coded "*".
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/billing"
	"github.com/pairbridge/relay/internal/config"
	"github.com/pairbridge/relay/internal/credentials"
	"github.com/pairbridge/relay/internal/ratelimit"
	"github.com/pairbridge/relay/internal/router"
	"github.com/pairbridge/relay/internal/store"
)

// Server bundles the dependencies every handler closure needs.
type Server struct {
	store    store.Store
	creds    *credentials.Authority
	router   *router.Router
	limiter  ratelimit.Counter
	billing  billing.Provider
	cfg      *config.Config
	log      *slog.Logger
}

func NewServer(s store.Store, creds *credentials.Authority, r *router.Router, limiter ratelimit.Counter, bp billing.Provider, cfg *config.Config) *Server {
	return &Server{store: s, creds: creds, router: r, limiter: limiter, billing: bp, cfg: cfg, log: slog.With("component", "httpapi")}
}

// Routes builds the mux.Router exposing every HTTPSurface endpoint.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/api/pair/start", s.handlePairStart).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/pair/complete", s.handlePairComplete).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/token/refresh", s.handleTokenRefresh).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/agents", s.handleListAgents).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/billing/auth/google", s.handleAuthGoogle).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/billing/auth/chrome-profile", s.handleAuthChromeProfile).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/billing/me", s.handleMe).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/billing/sync-agents", s.handleSyncAgents).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/billing/checkout", s.handleCheckout).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/billing/portal", s.handlePortal).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/billing/webhook/stripe", s.handleStripeWebhook).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSAllowOrigins
	wildcard := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if wildcard {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := apierr.As(err)
	writeJSON(w, apiErr.HTTPStatus(), map[string]string{"code": string(apiErr.Code), "message": apiErr.Message})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

var errInvalidBody = apierr.New(apierr.CodeInvalidMessage, "invalid request body")
