// Package remote provisions stacks through a self-hosted orchestration platform's HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultServerID = 1

	maxErrorBody = 4096
)

// ErrUnreachable wraps transport failures that never reached the API
var ErrUnreachable = errors.New("orchestration API unreachable")

// APIError is a non-success answer from the API
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsStatus reports whether err is an APIError with one of the codes
func IsStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.StatusCode == c {
			return true
		}
	}
	return false
}

// ID is a resource identifier the API may encode as a number or a string
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s", string(data))
	}
	*id = ID(n.String())
	return nil
}

// ClientConfig configures the API client
type ClientConfig struct {
	URL               string
	APIKey            string
	ServerID          int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ApplicationRequest creates a compose application inside a project
type ApplicationRequest struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Type              string            `json:"type"`
	DockerCompose     string            `json:"docker_compose"`
	DockerComposeFile string            `json:"docker_compose_file"`
	ServerID          int               `json:"server_id"`
	Domain            string            `json:"domain"`
	Port              int               `json:"port"`
	EnvVariables      map[string]string `json:"env_variables"`
}

// Application is the API view of a deployed application
type Application struct {
	ID     ID     `json:"id"`
	Status string `json:"status"`
	FQDN   string `json:"fqdn"`
	Domain string `json:"domain"`
}

// URL is the address the platform serves the application at
func (a *Application) URL() string {
	if a.FQDN != "" {
		return a.FQDN
	}
	return a.Domain
}

// Server is the API view of a deployment target
type Server struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Client calls the orchestration API
type Client struct {
	baseURL  string
	apiKey   string
	serverID int
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu       sync.Mutex
	verified bool
}

// NewClient creates an API client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ServerID <= 0 {
		cfg.ServerID = DefaultServerID
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/") + "/api/v1",
		apiKey:   cfg.APIKey,
		serverID: cfg.ServerID,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger,
	}
}

// ServerID is the deployment target new applications land on
func (c *Client) ServerID() int { return c.serverID }

// BaseURL is the API root requests are sent to
func (c *Client) BaseURL() string { return c.baseURL }

// VerifyServer checks the configured server exists. A success is
// remembered for the lifetime of the client.
func (c *Client) VerifyServer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verified {
		return nil
	}

	var srv Server
	if err := c.do(ctx, http.MethodGet, "/servers/"+strconv.Itoa(c.serverID), nil, &srv); err != nil {
		return err
	}
	c.verified = true
	c.logger.Info("Verified orchestration server",
		zap.Int("server_id", c.serverID),
		zap.String("server_name", srv.Name))
	return nil
}

// CreateProject creates a project and returns its id
func (c *Client) CreateProject(ctx context.Context, name, description string) (string, error) {
	var out struct {
		ID ID `json:"id"`
	}
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/projects", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create project %s: response carried no id", name)
	}
	return string(out.ID), nil
}

// CreateApplication creates a compose application and returns its id
func (c *Client) CreateApplication(ctx context.Context, projectID string, req ApplicationRequest) (string, error) {
	var out struct {
		ID ID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/projects/"+projectID+"/applications", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create application %s: response carried no id", req.Name)
	}
	return string(out.ID), nil
}

// DeployApplication starts a deployment of the application
func (c *Client) DeployApplication(ctx context.Context, projectID, appID string) error {
	return c.do(ctx, http.MethodPost, appPath(projectID, appID)+"/deploy", nil, nil)
}

// StopApplication stops the application and keeps its volumes
func (c *Client) StopApplication(ctx context.Context, projectID, appID string) error {
	return c.do(ctx, http.MethodPost, appPath(projectID, appID)+"/stop", nil, nil)
}

// GetApplication fetches the application's current state
func (c *Client) GetApplication(ctx context.Context, projectID, appID string) (*Application, error) {
	var app Application
	if err := c.do(ctx, http.MethodGet, appPath(projectID, appID), nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// DeleteApplication deletes the application. An already deleted one is not an error.
func (c *Client) DeleteApplication(ctx context.Context, projectID, appID string) error {
	return ignoreNotFound(c.do(ctx, http.MethodDelete, appPath(projectID, appID), nil, nil))
}

// DeleteProject deletes the project. An already deleted one is not an error.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return ignoreNotFound(c.do(ctx, http.MethodDelete, "/projects/"+projectID, nil, nil))
}

func appPath(projectID, appID string) string {
	return "/projects/" + projectID + "/applications/" + appID
}

func ignoreNotFound(err error) error {
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Orchestration API request",
		zap.String("method", method),
		zap.String("path", path))

	resp, err := c.http.Do(req)
	if err != nil {
		if unreachable(err) {
			return fmt.Errorf("%s %s: %w: %v", method, path, ErrUnreachable, err)
		}
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// unreachable reports transport errors where no connection was established
func unreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
