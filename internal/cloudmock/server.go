// Package cloudmock provides an in-memory fake of the Cube Cloud embed API for local
// testing: session generation, session exchange, deployment lookup, API token minting
// and the reporting API's meta endpoint.
//
// Tokens are real HS256 JWTs so clients can decode their expiry.
package cloudmock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/blackwell-systems/embedauth/report"
)

// Route names, usable with Requests and FailNext.
const (
	RouteGenerateSession = "generate-session"
	RouteSessionToken    = "session-token"
	RouteDeployment      = "deployment"
	RouteDeploymentToken = "deployment-token"
	RouteMeta            = "meta"
)

// Config configures the fake.
type Config struct {
	// APIKey is the only key accepted by generate-session.
	APIKey string

	// DeploymentID is the only deployment served.
	DeploymentID int

	// DeploymentName is returned in the deployment descriptor.
	DeploymentName string

	// DeploymentURL is returned in the deployment descriptor. When empty the
	// server's own address is used, so the meta endpoint is reachable.
	DeploymentURL string

	// TokenTTL is the lifetime of minted embed and API tokens (default: 1h).
	TokenTTL time.Duration

	// SigningKey signs minted tokens (default: a random key).
	SigningKey []byte

	// Views is served by the meta endpoint (default: DefaultViews).
	Views []report.View

	// Now is the server clock (default: time.Now).
	Now func() time.Time
}

type session struct {
	deploymentID int
	externalID   string
	ephemeral    bool
}

type claims struct {
	DeploymentID int  `json:"deploymentId"`
	Ephemeral    bool `json:"isEphemeral,omitempty"`
	jwt.RegisteredClaims
}

// Server is the fake cloud API. It implements http.Handler.
type Server struct {
	cfg    Config
	router *mux.Router
	log    logr.Logger

	mu        sync.Mutex
	sessions  map[string]session
	apiTokens map[string]bool
	requests  map[string]int
	failures  map[string][]int
}

// NewServer creates a fake cloud API server.
func NewServer(cfg Config, log logr.Logger) *Server {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte(uuid.NewString())
	}
	if cfg.Views == nil {
		cfg.Views = DefaultViews()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		sessions:  make(map[string]session),
		apiTokens: make(map[string]bool),
		requests:  make(map[string]int),
		failures:  make(map[string][]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/embed/generate-session", s.generateSession).
		Methods(http.MethodPost).Name(RouteGenerateSession)
	r.HandleFunc("/api/v1/embed/session/token", s.sessionToken).
		Methods(http.MethodPost).Name(RouteSessionToken)
	r.HandleFunc("/api/v1/deployments/{id:[0-9]+}", s.deployment).
		Methods(http.MethodGet).Name(RouteDeployment)
	r.HandleFunc("/api/v1/deployments/{id:[0-9]+}/token", s.deploymentToken).
		Methods(http.MethodPost).Name(RouteDeploymentToken)
	r.HandleFunc("/cubejs-api/v1/meta", s.meta).
		Methods(http.MethodGet).Name(RouteMeta)
	r.Use(s.track)
	s.router = r

	return s
}

// ServeHTTP dispatches to the fake endpoints.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Requests returns how many requests reached route.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// FailNext makes the next request to route fail with status. Calls queue up.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], status)
}

// PendingSessions returns the number of generated sessions not yet exchanged.
func (s *Server) PendingSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}

		s.mu.Lock()
		s.requests[name]++
		var status int
		if queued := s.failures[name]; len(queued) > 0 {
			status = queued[0]
			s.failures[name] = queued[1:]
		}
		s.mu.Unlock()

		s.log.V(1).Info("request", "route", name, "method", r.Method, "path", r.URL.Path)
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) generateSession(w http.ResponseWriter, r *http.Request) {
	key, ok := authValue(r, "Api-Key")
	if !ok || key != s.cfg.APIKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req struct {
		DeploymentID int    `json:"deploymentId"`
		ExternalID   string `json:"externalId"`
		IsEphemeral  bool   `json:"isEphemeral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeploymentID != s.cfg.DeploymentID {
		writeError(w, http.StatusNotFound, fmt.Sprintf("deployment %d not found", req.DeploymentID))
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "externalId is required")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = session{
		deploymentID: req.DeploymentID,
		externalID:   req.ExternalID,
		ephemeral:    req.IsEphemeral,
	}
	s.mu.Unlock()

	s.log.Info("session generated", "externalId", req.ExternalID, "ephemeral", req.IsEphemeral)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) sessionToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Sessions are single use.
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	token, err := s.mint(sess.externalID, sess.deploymentID, sess.ephemeral)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) deployment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeDeployment(w, r)
	if !ok {
		return
	}

	url := s.cfg.DeploymentURL
	if url == "" {
		url = "http://" + r.Host
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"name":          s.cfg.DeploymentName,
		"deploymentUrl": url,
	})
}

func (s *Server) deploymentToken(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeDeployment(w, r)
	if !ok {
		return
	}

	token, err := s.mint("api", id, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.apiTokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"cubeApiToken": token})
}

func (s *Server) meta(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")

	s.mu.Lock()
	known := s.apiTokens[token]
	s.mu.Unlock()

	if !known {
		writeError(w, http.StatusForbidden, "invalid api token")
		return
	}
	if _, err := s.verify(token); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cubes": s.cfg.Views})
}

// authorizeDeployment checks the Embed-Token header against the deployment in the path.
func (s *Server) authorizeDeployment(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return 0, false
	}

	token, ok := authValue(r, "Embed-Token")
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing embed token")
		return 0, false
	}
	c, err := s.verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return 0, false
	}

	if id != s.cfg.DeploymentID {
		writeError(w, http.StatusNotFound, fmt.Sprintf("deployment %d not found", id))
		return 0, false
	}
	if c.DeploymentID != id {
		writeError(w, http.StatusForbidden, "token not valid for deployment")
		return 0, false
	}
	return id, true
}

func (s *Server) mint(subject string, deploymentID int, ephemeral bool) (string, error) {
	now := s.cfg.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		DeploymentID: deploymentID,
		Ephemeral:    ephemeral,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Server) verify(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return s.cfg.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return c, nil
}

// authValue extracts the credential from an "Authorization: <scheme> <value>" header.
func authValue(r *http.Request, scheme string) (string, bool) {
	value, ok := strings.CutPrefix(r.Header.Get("Authorization"), scheme+" ")
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
