// Package gateway is the server side of the row wire protocol: it
// validates HMAC tokens, admission-controls row mutations, and applies
// them to the backing store.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/slidoc/slidoc/internal/auth"
	"github.com/slidoc/slidoc/internal/rowstore"
	"github.com/slidoc/slidoc/internal/store"
)

// Gateway holds shared dependencies for the protocol handlers.
type Gateway struct {
	store *store.Store
	// key is the shared HMAC secret all tokens are signed with.
	key    string
	logger *slog.Logger
	// now overrides the deadline clock (tests); nil means time.Now.
	now func() time.Time
}

func New(s *store.Store, key string, logger *slog.Logger) *Gateway {
	return &Gateway{store: s, key: key, logger: logger}
}

// WithClock overrides the deadline clock (tests).
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Routes registers the protocol endpoints.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/_proxy", g.handleProxy)
	r.Get("/_websocket", g.handleWebSocket)
	r.Post("/_auth", g.handleAuth)
}

// handleProxy serves one request/response protocol call. Protocol
// failures ride inside a 200 response; only a malformed body is an
// HTTP-level error.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req rowstore.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp := g.Handle(r.Context(), &req, false)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("encode response", "error", err)
	}
}

type authRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type authResponse struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

// handleAuth exchanges an admin username/password for an admin token.
func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	account, err := g.store.GetAccountByUsername(req.User)
	if err != nil {
		g.logger.Error("account lookup", "user", req.User, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if account == nil || !account.Active {
		// Burn a comparison so unknown and known users take the same time.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGyEVgYdpKRDlEIVdsrtUQ1DGLp3T6G"), []byte(req.Password))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		g.logger.Warn("failed admin login", "user", req.User)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(authResponse{
		User:  req.User,
		Token: auth.AdminToken(g.key, req.User),
	}); err != nil {
		g.logger.Error("encode auth response", "error", err)
	}
}
