package enrichment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Source names as they appear in results.
const (
	SourceOTX       = "AlienVault OTX"
	SourceAbuseIPDB = "AbuseIPDB"
	SourceIPInfo    = "IPInfo"
)

const placeholder = "unknown"

// NormalizeOTX converts an OTX /general response. A missing pulse_info block
// counts as zero reports.
func NormalizeOTX(raw map[string]any) Result {
	count := "0"
	if info, ok := raw["pulse_info"].(map[string]any); ok {
		if n, ok := numberText(info["count"]); ok {
			count = n
		}
	}
	return Success(SourceOTX, fmt.Sprintf("seen in %s reports", count), raw)
}

// NormalizeAbuseIPDB converts an AbuseIPDB /check response. The data object
// is required; a missing confidence score yields "unknown% confidence".
func NormalizeAbuseIPDB(raw map[string]any) Result {
	data, ok := raw["data"].(map[string]any)
	if !ok {
		return Failure(SourceAbuseIPDB, fmt.Errorf("%w: missing data object", ErrMalformedResponse))
	}

	score, ok := numberText(data["abuseConfidenceScore"])
	if !ok {
		score = placeholder
	}
	return Success(SourceAbuseIPDB, fmt.Sprintf("%s%% confidence", score), data)
}

// NormalizeIPInfo converts an ipinfo.io response.
func NormalizeIPInfo(raw map[string]any) Result {
	org := stringField(raw, "org")
	country := stringField(raw, "country")
	return Success(SourceIPInfo, fmt.Sprintf("%s (%s)", org, country), raw)
}

func stringField(raw map[string]any, key string) string {
	s, ok := raw[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

// numberText renders a decoded JSON number without float noise.
func numberText(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	default:
		return "", false
	}
}
