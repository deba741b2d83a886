// Package embedauth acquires and caches the credentials an application needs to embed
// a Cube Cloud deployment: a short-lived embed token obtained through a session
// exchange, and the deployment URL and API token that address the reporting backend.
//
// The workflow is strictly ordered:
//   - generate a session with a long-lived API key
//   - exchange the session for an embed token (persisted to a durable Store)
//   - fetch the deployment descriptor and an API token using the embed token
//
// Basic usage:
//
//	import (
//	    "github.com/blackwell-systems/embedauth"
//	    "github.com/blackwell-systems/embedauth/cloudapi"
//	    _ "github.com/blackwell-systems/embedauth/backends/file"
//	)
//
//	store, err := embedauth.NewStore(embedauth.StoreConfig{
//	    Type: embedauth.StoreFile,
//	    Path: "/home/me/.config/embedauth/store.json",
//	})
//
//	client := cloudapi.New("https://tenant.cubecloud.dev")
//	o := embedauth.NewOrchestrator(embedauth.OrchestratorConfig{
//	    APIKey:       apiKey,
//	    DeploymentID: 51,
//	}, client, client, embedauth.NewCredentialCache(store))
//	defer o.Close()
//
//	endpoint, err := o.Wait(ctx)
//	// endpoint.APIURL, endpoint.APIToken
package embedauth // import "github.com/blackwell-systems/embedauth"

import (
	"context"
	"errors"
	"strings"
)

// Storage keys used by the durable Store.
const (
	// CredentialKey holds the raw embed token.
	CredentialKey = "cube_embed_token"

	// ReportKey holds the persisted report/query state blob.
	ReportKey = "cube_react_lib_report"
)

// DefaultExternalID is the external user identity sent when generating a session.
const DefaultExternalID = "test@example.com"

// apiPathSuffix is appended to the deployment URL to address the reporting API.
const apiPathSuffix = "/cubejs-api/v1"

// SessionRequest carries the inputs of the "generate session" call.
type SessionRequest struct {
	APIKey       string
	DeploymentID int
	ExternalID   string
	Ephemeral    bool
}

// Deployment is the descriptor returned by the deployment service.
type Deployment struct {
	ID            int    `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	DeploymentURL string `json:"deploymentUrl"`
}

// APIURL returns the reporting API base URL for the deployment.
func (d Deployment) APIURL() string {
	return strings.TrimRight(d.DeploymentURL, "/") + apiPathSuffix
}

// Endpoint is the resolved (API URL, API token) pair handed to the reporting SDK.
type Endpoint struct {
	APIURL   string `json:"apiUrl"`
	APIToken string `json:"apiToken"`
}

// AuthService is the external authentication service.
type AuthService interface {
	// GenerateSession starts an embed session and returns its identifier.
	GenerateSession(ctx context.Context, req SessionRequest) (string, error)

	// ExchangeSession trades a session identifier for an embed token.
	ExchangeSession(ctx context.Context, sessionID string) (string, error)
}

// DeploymentService is the external deployment service. Both calls are
// authenticated with the embed token.
type DeploymentService interface {
	GetDeployment(ctx context.Context, deploymentID int, embedToken string) (Deployment, error)
	GetAPIToken(ctx context.Context, deploymentID int, embedToken string) (string, error)
}

// Common errors
var (
	// ErrNotFound indicates the key doesn't exist in the store.
	ErrNotFound = errors.New("key not found")

	// ErrMalformedToken indicates a token whose expiry cannot be decoded.
	ErrMalformedToken = errors.New("malformed token")

	// ErrTokenExpired indicates a token whose expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrNotReady indicates the endpoint has not been resolved yet.
	ErrNotReady = errors.New("endpoint not ready")

	// ErrClosed indicates the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")

	// ErrStoreNotInstalled indicates a CLI the store depends on is missing.
	ErrStoreNotInstalled = errors.New("store CLI not installed")
)
