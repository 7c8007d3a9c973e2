package logging

import "strings"

// keyPrefixLen is how many leading characters of a wallet address or client IP
// survive redaction in logs and audit events.
const keyPrefixLen = 12

// TruncateKey reduces a wallet address, signature, or IP to a loggable prefix.
// Short values pass through unchanged.
func TruncateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= keyPrefixLen {
		return trimmed
	}
	return trimmed[:keyPrefixLen] + "..."
}
