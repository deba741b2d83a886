// Package cloudapi is an HTTP client for the Cube Cloud authentication and deployment
// services, and for the reporting API's meta endpoint.
//
// Client implements embedauth.AuthService and embedauth.DeploymentService.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/blackwell-systems/embedauth"
	"github.com/blackwell-systems/embedauth/report"
)

// DefaultBaseURL is the cloud API used when none is configured.
const DefaultBaseURL = "https://tenant.cubecloud.dev"

// DefaultTimeout bounds every request made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept in an APIError.
const maxErrorBody = 4 << 10

// Client talks to the cloud API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logr.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Requests are logged at V(1); tokens never are.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a client for baseURL (DefaultBaseURL when empty).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the cloud API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type generateSessionRequest struct {
	DeploymentID int    `json:"deploymentId"`
	ExternalID   string `json:"externalId"`
	IsEphemeral  bool   `json:"isEphemeral"`
}

// GenerateSession starts an embed session with the API key in req.
func (c *Client) GenerateSession(ctx context.Context, req embedauth.SessionRequest) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/embed/generate-session",
		"Api-Key "+req.APIKey,
		generateSessionRequest{
			DeploymentID: req.DeploymentID,
			ExternalID:   req.ExternalID,
			IsEphemeral:  req.Ephemeral,
		}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// ExchangeSession trades a session id for an embed token.
func (c *Client) ExchangeSession(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/embed/session/token", "",
		map[string]string{"sessionId": sessionID}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// GetDeployment fetches the deployment descriptor.
func (c *Client) GetDeployment(ctx context.Context, deploymentID int, embedToken string) (embedauth.Deployment, error) {
	var d embedauth.Deployment
	err := c.do(ctx, http.MethodGet, c.deploymentURL(deploymentID, ""),
		"Embed-Token "+embedToken, nil, &d)
	if err != nil {
		return embedauth.Deployment{}, err
	}
	return d, nil
}

// GetAPIToken mints an API token for the deployment.
func (c *Client) GetAPIToken(ctx context.Context, deploymentID int, embedToken string) (string, error) {
	var resp struct {
		CubeAPIToken string `json:"cubeApiToken"`
	}
	err := c.do(ctx, http.MethodPost, c.deploymentURL(deploymentID, "/token"),
		"Embed-Token "+embedToken, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.CubeAPIToken, nil
}

// FetchMeta lists the semantic views exposed by the reporting API at ep.
func (c *Client) FetchMeta(ctx context.Context, ep embedauth.Endpoint) ([]report.View, error) {
	var resp struct {
		Cubes []report.View `json:"cubes"`
	}
	if err := c.do(ctx, http.MethodGet, ep.APIURL+"/meta", ep.APIToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Cubes, nil
}

func (c *Client) deploymentURL(id int, suffix string) string {
	return c.baseURL + "/api/v1/deployments/" + strconv.Itoa(id) + suffix
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, url, auth string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.V(1).Info("cloud api request", "method", method, "path", req.URL.Path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
