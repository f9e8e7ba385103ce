package enrichment

import (
	"context"
	"net/url"
)

const ipinfoDefaultBaseURL = "https://ipinfo.io"

// IPInfoAnalyzer reports network owner and country for an address.
type IPInfoAnalyzer struct {
	httpSource
}

// DefaultIPInfoConfig returns sensible defaults for ipinfo.io.
func DefaultIPInfoConfig() AnalyzerConfig {
	cfg := DefaultAnalyzerConfig()
	cfg.APIKeyEnv = "IPINFO_TOKEN"
	cfg.BaseURL = ipinfoDefaultBaseURL
	return cfg
}

// NewIPInfoAnalyzer creates a new ipinfo.io analyzer.
func NewIPInfoAnalyzer(config AnalyzerConfig) *IPInfoAnalyzer {
	return &IPInfoAnalyzer{httpSource: newHTTPSource(SourceIPInfo, ipinfoDefaultBaseURL, config)}
}

// Name returns the analyzer identifier.
func (a *IPInfoAnalyzer) Name() string {
	return SourceIPInfo
}

// Analyze fetches /{ioc}/json. The token goes in the Authorization header so
// it never ends up in a URL echoed by transport errors.
func (a *IPInfoAnalyzer) Analyze(ctx context.Context, indicator string) Result {
	token, err := a.credential()
	if err != nil {
		return Failure(SourceIPInfo, err)
	}

	raw, err := a.getJSON(ctx, a.endpoint("/"+url.PathEscape(indicator)+"/json"),
		map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		return Failure(SourceIPInfo, err)
	}
	return NormalizeIPInfo(raw)
}
