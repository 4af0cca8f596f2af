package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen  = 64
	toolNameHashLen = 8
)

// SanitizeToolName maps a registered tool name to one Bedrock accepts:
// [a-zA-Z0-9_-]{1,64}. Dots become underscores and any other disallowed rune
// becomes '_'. Names longer than 64 bytes are truncated and suffixed with a
// stable hash so distinct inputs stay distinct. The mapping is deterministic;
// the adapter keeps a per-request reverse map to restore the original name.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	sanitized := b.String()
	if len(sanitized) <= maxToolNameLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:toolNameHashLen]
	return sanitized[:maxToolNameLen-1-toolNameHashLen] + "_" + suffix
}
