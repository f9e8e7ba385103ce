package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes caps how much of an upstream body is decoded.
const maxResponseBytes = 4 << 20

// Common errors.
var (
	ErrMissingAPIKey     = errors.New("missing API key")
	ErrUnexpectedStatus  = errors.New("unexpected status")
	ErrMalformedResponse = errors.New("malformed response")
)

// httpSource holds what every HTTP-backed analyzer needs.
type httpSource struct {
	name       string
	config     AnalyzerConfig
	httpClient *http.Client
}

func newHTTPSource(name, defaultBaseURL string, config AnalyzerConfig) httpSource {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultAnalyzerConfig().Timeout
	}
	return httpSource{
		name:   name,
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// credential returns the API key or an error naming the env var to set.
func (s *httpSource) credential() (string, error) {
	if s.config.APIKey == "" {
		if s.config.APIKeyEnv != "" {
			return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, s.config.APIKeyEnv)
		}
		return "", ErrMissingAPIKey
	}
	return s.config.APIKey, nil
}

// endpoint joins the configured base URL with path.
func (s *httpSource) endpoint(path string) string {
	return strings.TrimSuffix(s.config.BaseURL, "/") + path
}

// getJSON performs an authenticated GET and decodes a JSON object body.
func (s *httpSource) getJSON(ctx context.Context, fullURL string, headers map[string]string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "IOCForge/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnexpectedStatus, s.name, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", ErrMalformedResponse, s.name, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: %s returned an empty document", ErrMalformedResponse, s.name)
	}

	return payload, nil
}
