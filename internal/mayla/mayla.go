// Package mayla proxies two endpoints of the upstream Mayla clinical API:
// patient login and vital-signs submission. Payloads are forwarded as
// opaque JSON to stay compatible with whatever the upstream contract
// happens to require.
package mayla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mayla-rppg/ingest/internal/httputil"
	"github.com/mayla-rppg/ingest/internal/logging"
)

var log = logging.L("mayla")

// UpstreamError reports a non-2xx response from the upstream API. The
// REST adapter shapes this into a 502 with {upstream, status, body}.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mayla upstream error status=%d body=%.500s", e.Status, e.Body)
}

// ErrMissingBearerToken is returned by PostVitalSigns when no usable
// bearer token was supplied. The REST adapter answers HTTP 401 from its
// own ExtractBearerToken check before calling PostVitalSigns.
var ErrMissingBearerToken = fmt.Errorf("missing_bearer_token")

// Client forwards requests to the Mayla clinical API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// New builds a Client targeting baseURL (typically MAYLA_API_BASE).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retry: httputil.DefaultRetryConfig(),
	}
}

// PatientLogin forwards body to POST /api/auth/patient/login.
func (c *Client) PatientLogin(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, "POST", "/api/auth/patient/login", body, nil)
}

// PostVitalSigns forwards body to POST /api/vital-signs with the given
// bearer token. bearerToken must already have the "Bearer " prefix
// stripped; ExtractBearerToken does that extraction from a raw header.
func (c *Client) PostVitalSigns(ctx context.Context, body json.RawMessage, bearerToken string) (json.RawMessage, error) {
	if bearerToken == "" {
		return nil, ErrMissingBearerToken
	}
	headers := http.Header{"Authorization": {"Bearer " + bearerToken}}
	return c.do(ctx, "POST", "/api/vital-signs", body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, headers http.Header) (json.RawMessage, error) {
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	resp, err := httputil.Do(ctx, c.httpClient, method, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		log.Warn("mayla upstream request failed", logging.KeyError, err, "path", path)
		return nil, &UpstreamError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}

// ExtractBearerToken pulls the token out of a raw "Authorization" header
// value, matching the original proxy's case-insensitive "Bearer " check.
func ExtractBearerToken(authorization string) (string, bool) {
	const prefix = "bearer "
	if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
