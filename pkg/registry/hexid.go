package registry

import (
	"encoding/hex"
	"strings"
)

// parseHexDigest decodes a 40-character case-insensitive hex string
// into an IdentityDigest. Returns ok=false for anything else, including
// partial prefixes; the registry never does prefix matching.
func parseHexDigest(s string) (IdentityDigest, bool) {
	var id IdentityDigest
	if len(s) != 40 {
		return id, false
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil || len(b) != 20 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// FormatHexDigest renders id as 40 uppercase hex characters, the form
// used in verbose nicknames.
func FormatHexDigest(id IdentityDigest) string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}
