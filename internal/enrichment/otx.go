package enrichment

import (
	"context"
	"fmt"
	"net/url"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXAnalyzer reports how many AlienVault OTX pulses reference an indicator.
type OTXAnalyzer struct {
	httpSource
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() AnalyzerConfig {
	cfg := DefaultAnalyzerConfig()
	cfg.APIKeyEnv = "OTX_API_KEY"
	cfg.BaseURL = otxDefaultBaseURL
	return cfg
}

// NewOTXAnalyzer creates a new OTX analyzer. A missing key is not an error
// here; calls will report it instead.
func NewOTXAnalyzer(config AnalyzerConfig) *OTXAnalyzer {
	return &OTXAnalyzer{httpSource: newHTTPSource(SourceOTX, otxDefaultBaseURL, config)}
}

// Name returns the analyzer identifier.
func (a *OTXAnalyzer) Name() string {
	return SourceOTX
}

// Analyze looks up the indicator's general section.
func (a *OTXAnalyzer) Analyze(ctx context.Context, indicator string) Result {
	key, err := a.credential()
	if err != nil {
		return Failure(SourceOTX, err)
	}

	// OTX auto-detects IPv4 vs IPv6 on this path
	path := fmt.Sprintf("%s/indicators/IPv4/%s/general", otxAPIPath, url.PathEscape(indicator))

	raw, err := a.getJSON(ctx, a.endpoint(path), map[string]string{"X-OTX-API-KEY": key})
	if err != nil {
		return Failure(SourceOTX, err)
	}
	return NormalizeOTX(raw)
}
