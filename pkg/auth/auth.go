package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"os"
	"strings"

	"github.com/escrowd/escrowd/pkg/types"
	"golang.org/x/crypto/ssh"
)

// ErrUnauthorized is returned for every authentication failure. The cause is
// logged server-side but never surfaced to the client.
var ErrUnauthorized = errors.New("unauthorized")

// Signature is a parsed HTTP-Signature Authorization header.
type Signature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignature parses an Authorization header of the Signature scheme:
//
//	Signature keyId="...",algorithm="rsa-sha256",headers="date",signature="..."
func ParseSignature(header string) (*Signature, error) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Signature") {
		return nil, fmt.Errorf("not a Signature authorization header: %w", ErrUnauthorized)
	}

	sig := &Signature{Headers: []string{"date"}}
	for _, part := range splitParams(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed signature param %q: %w", part, ErrUnauthorized)
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "keyid":
			sig.KeyID = value
		case "algorithm":
			sig.Algorithm = strings.ToLower(value)
		case "headers":
			sig.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			raw, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("signature is not base64: %w", ErrUnauthorized)
			}
			sig.Signature = raw
		}
	}

	if sig.Algorithm == "" || len(sig.Signature) == 0 {
		return nil, fmt.Errorf("incomplete signature header: %w", ErrUnauthorized)
	}
	return sig, nil
}

// splitParams splits the parameter list on commas outside quotes.
func splitParams(s string) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	return parts
}

// SigningString reassembles the signed material from the request headers
// named by the signature, in signature order.
func SigningString(r *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		h = strings.ToLower(h)
		var value string
		switch h {
		case "(request-target)":
			value = strings.ToLower(r.Method) + " " + r.URL.RequestURI()
		case "host":
			value = r.Host
		default:
			value = r.Header.Get(h)
		}
		if value == "" {
			return "", fmt.Errorf("signed header %q missing from request: %w", h, ErrUnauthorized)
		}
		lines = append(lines, h+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}

// Verifier authenticates API requests against a PIV token's key material,
// with an optional operator admin key as fallback.
type Verifier struct {
	adminKey ssh.PublicKey
}

// NewVerifier returns a verifier with no admin fallback key.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// NewVerifierWithAdminKey loads the operator admin public key (one SSH
// authorized-keys line) from path.
func NewVerifierWithAdminKey(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin key: %w", err)
	}
	return &Verifier{adminKey: key}, nil
}

// Authenticate verifies the request against the loaded PIV token.
//
// When token is nil and anonymousOK is set (the create-PIV-token route), the
// request is anonymous and passes. Otherwise the Authorization header must
// carry a Signature. hmac-* algorithms verify against the newest recovery
// token whose expired field is unset; every other algorithm verifies against
// the token's 9E public key, falling back to the admin key when configured.
func (v *Verifier) Authenticate(r *http.Request, token *types.PIVToken, anonymousOK bool) error {
	if token == nil {
		if anonymousOK {
			return nil
		}
		return fmt.Errorf("no pivtoken loaded: %w", ErrUnauthorized)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return fmt.Errorf("missing authorization header: %w", ErrUnauthorized)
	}

	sig, err := ParseSignature(header)
	if err != nil {
		return err
	}
	signed, err := SigningString(r, sig.Headers)
	if err != nil {
		return err
	}

	if strings.HasPrefix(sig.Algorithm, "hmac-") {
		rt := token.ActiveRecoveryToken()
		if rt == nil {
			return fmt.Errorf("no usable recovery token for hmac: %w", ErrUnauthorized)
		}
		return verifyHMAC(rt.Token, sig.Algorithm, signed, sig.Signature)
	}

	if token.PubKeys != nil && token.PubKeys.Key9E != "" {
		if err := verifySSHKeyLine(token.PubKeys.Key9E, sig.Algorithm, signed, sig.Signature); err == nil {
			return nil
		}
	}
	if v.adminKey != nil {
		if err := verifyPublicKey(v.adminKey, sig.Algorithm, signed, sig.Signature); err == nil {
			return nil
		}
	}
	return fmt.Errorf("signature verification failed: %w", ErrUnauthorized)
}

func hashFor(algorithm string) (crypto.Hash, func() hash.Hash, error) {
	_, suffix, _ := strings.Cut(algorithm, "-")
	switch suffix {
	case "sha1":
		return crypto.SHA1, sha1.New, nil
	case "sha256", "":
		return crypto.SHA256, sha256.New, nil
	case "sha512":
		return crypto.SHA512, sha512.New, nil
	}
	return 0, nil, fmt.Errorf("unsupported algorithm %q: %w", algorithm, ErrUnauthorized)
}

func verifyHMAC(tokenHex, algorithm, signed string, signature []byte) error {
	key, err := hex.DecodeString(tokenHex)
	if err != nil {
		return fmt.Errorf("stored token is not hex: %w", ErrUnauthorized)
	}
	_, newHash, err := hashFor(algorithm)
	if err != nil {
		return err
	}
	mac := hmac.New(newHash, key)
	mac.Write([]byte(signed))
	if !hmac.Equal(mac.Sum(nil), signature) {
		return fmt.Errorf("hmac mismatch: %w", ErrUnauthorized)
	}
	return nil
}

func verifySSHKeyLine(line, algorithm, signed string, signature []byte) error {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return fmt.Errorf("stored 9e key unparseable: %w", ErrUnauthorized)
	}
	return verifyPublicKey(key, algorithm, signed, signature)
}

func verifyPublicKey(key ssh.PublicKey, algorithm, signed string, signature []byte) error {
	ck, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("unsupported key type %s: %w", key.Type(), ErrUnauthorized)
	}

	cryptoHash, newHash, err := hashFor(algorithm)
	if err != nil {
		return err
	}

	switch pub := ck.CryptoPublicKey().(type) {
	case *rsa.PublicKey:
		h := newHash()
		h.Write([]byte(signed))
		if err := rsa.VerifyPKCS1v15(pub, cryptoHash, h.Sum(nil), signature); err != nil {
			return fmt.Errorf("rsa verify: %w", ErrUnauthorized)
		}
		return nil
	case *ecdsa.PublicKey:
		h := newHash()
		h.Write([]byte(signed))
		if !ecdsa.VerifyASN1(pub, h.Sum(nil), signature) {
			return fmt.Errorf("ecdsa verify: %w", ErrUnauthorized)
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, []byte(signed), signature) {
			return fmt.Errorf("ed25519 verify: %w", ErrUnauthorized)
		}
		return nil
	}
	return fmt.Errorf("unsupported key type %s: %w", key.Type(), ErrUnauthorized)
}
