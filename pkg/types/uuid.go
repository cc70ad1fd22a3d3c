package types

import (
	"crypto/sha512"
	"strings"

	"github.com/google/uuid"
)

// DeriveUUID hashes data with SHA-512, truncates to 16 bytes and forces the
// RFC 4122 version-5 nibble and variant bits. The derivation is
// deterministic, so hashing the same input twice yields the same UUID and
// duplicate creates deduplicate on the primary key. The bit layout must stay
// exactly as-is so stored identifiers round-trip.
func DeriveUUID(data []byte) string {
	sum := sha512.Sum512(data)
	var u uuid.UUID
	copy(u[:], sum[:16])
	u[6] = (u[6] & 0x0f) | 0x50
	u[8] = (u[8] & 0x3f) | 0x80
	return u.String()
}

// NormalizeTemplate strips newlines from a base64 eBox template. Templates
// arrive as multi-line blobs; identity is computed over the stripped form.
func NormalizeTemplate(template string) string {
	template = strings.ReplaceAll(template, "\r", "")
	return strings.ReplaceAll(template, "\n", "")
}

// ConfigUUID derives the identity of a recovery configuration from its
// normalized template.
func ConfigUUID(template string) string {
	return DeriveUUID([]byte(NormalizeTemplate(template)))
}

// RecoveryTokenUUID derives the identity of a recovery token from its raw
// token bytes.
func RecoveryTokenUUID(token []byte) string {
	return DeriveUUID(token)
}
