package enrichment

import (
	"context"
	"net/url"
	"strconv"
)

const (
	abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com"
	abuseIPDBDefaultMaxAge  = 90
)

// AbuseIPDBAnalyzer reports the abuse confidence score of an address.
type AbuseIPDBAnalyzer struct {
	httpSource
	maxAgeInDays int
}

// DefaultAbuseIPDBConfig returns sensible defaults for AbuseIPDB.
func DefaultAbuseIPDBConfig() AnalyzerConfig {
	cfg := DefaultAnalyzerConfig()
	cfg.APIKeyEnv = "ABUSEIPDB_API_KEY"
	cfg.BaseURL = abuseIPDBDefaultBaseURL
	return cfg
}

// NewAbuseIPDBAnalyzer creates a new AbuseIPDB analyzer. maxAgeInDays <= 0
// uses the 90 day default.
func NewAbuseIPDBAnalyzer(config AnalyzerConfig, maxAgeInDays int) *AbuseIPDBAnalyzer {
	if maxAgeInDays <= 0 {
		maxAgeInDays = abuseIPDBDefaultMaxAge
	}
	return &AbuseIPDBAnalyzer{
		httpSource:   newHTTPSource(SourceAbuseIPDB, abuseIPDBDefaultBaseURL, config),
		maxAgeInDays: maxAgeInDays,
	}
}

// Name returns the analyzer identifier.
func (a *AbuseIPDBAnalyzer) Name() string {
	return SourceAbuseIPDB
}

// Analyze queries /api/v2/check for the indicator.
func (a *AbuseIPDBAnalyzer) Analyze(ctx context.Context, indicator string) Result {
	key, err := a.credential()
	if err != nil {
		return Failure(SourceAbuseIPDB, err)
	}

	q := url.Values{}
	q.Set("ipAddress", indicator)
	q.Set("maxAgeInDays", strconv.Itoa(a.maxAgeInDays))

	raw, err := a.getJSON(ctx, a.endpoint("/api/v2/check?"+q.Encode()), map[string]string{"Key": key})
	if err != nil {
		return Failure(SourceAbuseIPDB, err)
	}
	return NormalizeAbuseIPDB(raw)
}
