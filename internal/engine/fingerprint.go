package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"notifyledger/internal/model"
)

// NormalizeContent lowercases and collapses whitespace so cosmetic
// differences between deliveries do not change the fingerprint.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// EventKey fingerprints the stable fields of a candidate. Re-deliveries of the
// same notification inside one time bucket collide.
func EventKey(c model.Candidate, normalized string, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	slot := c.ObservedAt.UTC().UnixMilli() / bucket.Milliseconds()
	parts := []string{
		strings.TrimSpace(c.SourceApp),
		normalized,
		strconv.FormatInt(c.AmountCents, 10),
		strconv.FormatInt(slot, 10),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func TextHash(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:16])
}
