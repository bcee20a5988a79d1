// Package browsertrix implements the crawl service client against a
// Browsertrix-style REST API: JWT login, crawl submission via crawl configs,
// status polling, and WACZ artifact download.
package browsertrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	"github.com/archivelab/accessioner/internal/metrics"
)

// Config carries the crawl service endpoints and credentials.
type Config struct {
	BaseURL  string
	Username string
	Password string
	OrgID    string
	Timeout  time.Duration
}

// Client talks to the crawl service. It caches the bearer token and
// re-authenticates once on a 401 before failing a call.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New builds a Client. It does not touch the network; the first request
// authenticates lazily.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crawl base url is required")
	}
	if cfg.OrgID == "" {
		return nil, fmt.Errorf("crawl org id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type submitResponse struct {
	ID        string `json:"id"`
	RunNowJob string `json:"run_now_job"`
}

type replayResponse struct {
	State     string `json:"state"`
	Resources []struct {
		Path string `json:"path"`
	} `json:"resources"`
}

type seed struct {
	URL       string `json:"url"`
	ScopeType string `json:"scopeType"`
}

type crawlConfigPayload struct {
	Name   string `json:"name"`
	RunNow bool   `json:"runNow"`
	Config struct {
		Seeds []seed `json:"seeds"`
	} `json:"config"`
}

// SubmitJob creates a run-now crawl config for url and returns the job id
// of the crawl run it launches.
func (c *Client) SubmitJob(ctx context.Context, rawURL string) (string, error) {
	payload := crawlConfigPayload{Name: rawURL, RunNow: true}
	payload.Config.Seeds = []seed{{URL: rawURL, ScopeType: "page"}}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal crawl config: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/orgs/%s/crawlconfigs/", c.cfg.BaseURL, c.cfg.OrgID)
	resp, err := c.doAuthenticated(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		metrics.ObserveCrawlRequest("submit", "error")
		return "", fmt.Errorf("submit crawl: %w", err)
	}
	defer closeBody(resp, c.logger)

	if err := classifyStatus(resp.StatusCode); err != nil {
		metrics.ObserveCrawlRequest("submit", "error")
		return "", fmt.Errorf("submit crawl: %w", err)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ObserveCrawlRequest("submit", "error")
		return "", accession.Transientf("decode submit response: %v", err)
	}
	if out.RunNowJob == "" {
		metrics.ObserveCrawlRequest("submit", "error")
		return "", accession.Permanentf("crawl service returned no job id for %s", rawURL)
	}
	metrics.ObserveCrawlRequest("submit", "ok")
	c.logger.Info("crawl submitted",
		zap.String("url", rawURL),
		zap.String("job_id", out.RunNowJob),
		zap.String("crawlconfig_id", out.ID),
	)
	return out.RunNowJob, nil
}

// JobStatus fetches the remote state of a crawl run. On success the artifact
// locator points at the single WACZ produced by the run.
func (c *Client) JobStatus(ctx context.Context, jobID string) (accession.CrawlJob, error) {
	endpoint := fmt.Sprintf("%s/api/orgs/%s/crawls/%s/replay.json", c.cfg.BaseURL, c.cfg.OrgID, url.PathEscape(jobID))
	resp, err := c.doAuthenticated(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		metrics.ObserveCrawlRequest("status", "error")
		return accession.CrawlJob{}, fmt.Errorf("get crawl status: %w", err)
	}
	defer closeBody(resp, c.logger)

	if err := classifyStatus(resp.StatusCode); err != nil {
		metrics.ObserveCrawlRequest("status", "error")
		return accession.CrawlJob{}, fmt.Errorf("get crawl status: %w", err)
	}

	var out replayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ObserveCrawlRequest("status", "error")
		return accession.CrawlJob{}, accession.Transientf("decode status response: %v", err)
	}
	metrics.ObserveCrawlRequest("status", "ok")

	job := accession.CrawlJob{ID: jobID}
	switch out.State {
	case "complete":
		job.State = accession.CrawlSucceeded
		if len(out.Resources) == 0 {
			return accession.CrawlJob{}, accession.Permanentf("crawl %s complete but has no artifact", jobID)
		}
		job.ArtifactLocator = c.absoluteLocator(out.Resources[0].Path)
	case "failed", "canceled", "skipped_quota_reached":
		job.State = accession.CrawlFailed
		job.FailureReason = out.State
	default:
		job.State = accession.CrawlRunning
	}
	return job, nil
}

// FetchArtifact downloads the artifact bytes behind a locator. A missing or
// inaccessible artifact on a completed run is permanent; network trouble is
// transient.
func (c *Client) FetchArtifact(ctx context.Context, locator string) ([]byte, error) {
	resp, err := c.doAuthenticated(ctx, http.MethodGet, locator, nil)
	if err != nil {
		metrics.ObserveCrawlRequest("fetch", "error")
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer closeBody(resp, c.logger)

	if err := classifyStatus(resp.StatusCode); err != nil {
		metrics.ObserveCrawlRequest("fetch", "error")
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveCrawlRequest("fetch", "error")
		return nil, accession.Transientf("read artifact body: %v", err)
	}
	if len(data) == 0 {
		metrics.ObserveCrawlRequest("fetch", "error")
		return nil, accession.Permanentf("artifact at %s is empty", locator)
	}
	metrics.ObserveCrawlRequest("fetch", "ok")
	return data, nil
}

// doAuthenticated sends the request with the cached bearer token,
// re-authenticating once on a 401.
func (c *Client) doAuthenticated(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	resp, err := c.send(ctx, method, endpoint, body, c.currentToken())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	closeBody(resp, c.logger)

	c.logger.Info("crawl service token expired, re-authenticating")
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-authenticate: %w", err)
	}
	return c.send(ctx, method, endpoint, body, token)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, accession.Permanentf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, accession.Transient(err)
	}
	return resp, nil
}

// authenticate performs the form login and caches the bearer token.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	endpoint := c.cfg.BaseURL + "/api/auth/jwt/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", accession.Permanentf("build login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", accession.Transient(err)
	}
	defer closeBody(resp, c.logger)

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", accession.Transientf("decode login response: %v", err)
	}
	if out.AccessToken == "" {
		return "", accession.Permanentf("login returned empty access token")
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.mu.Unlock()
	return out.AccessToken, nil
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// absoluteLocator resolves service-relative artifact paths against BaseURL.
func (c *Client) absoluteLocator(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// classifyStatus maps HTTP status codes onto the shared error taxonomy:
// 5xx and 429 are transient, other non-2xx are permanent.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return accession.Transientf("crawl service returned %d", code)
	default:
		return accession.Permanentf("crawl service returned %d", code)
	}
}

func closeBody(resp *http.Response, logger *zap.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("close response body", zap.Error(err))
	}
}
