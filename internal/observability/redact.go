package observability

import (
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
)

// RedactIndicator returns a stable short fingerprint of an indicator so log
// lines can be correlated without carrying the raw value.
func RedactIndicator(indicator string) string {
	sum := sha256.Sum256([]byte(indicator))
	return "ioc:" + hex.EncodeToString(sum[:6])
}

// IOC is the zap field used for indicators across the service.
func IOC(indicator string) zap.Field {
	return zap.String("ioc", RedactIndicator(indicator))
}
