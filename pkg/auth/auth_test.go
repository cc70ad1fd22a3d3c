package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/escrowd/escrowd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func sshLine(t *testing.T, pub interface{}) string {
	t.Helper()
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(ssh.MarshalAuthorizedKey(key))
}

func signedRequest(t *testing.T, algorithm string, sign func(msg []byte) []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodDelete, "/pivtokens/97496DD1C8F053DE7450CD854D9C95B4", nil)
	date := time.Now().UTC().Format(http.TimeFormat)
	r.Header.Set("Date", date)

	sig := sign([]byte("date: " + date))
	r.Header.Set("Authorization", fmt.Sprintf(
		`Signature keyId="/admin/keys/test",algorithm="%s",headers="date",signature="%s"`,
		algorithm, base64.StdEncoding.EncodeToString(sig)))
	return r
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature(`Signature keyId="/admin/keys/x",algorithm="rsa-sha256",headers="date",signature="` +
		base64.StdEncoding.EncodeToString([]byte("sig")) + `"`)
	require.NoError(t, err)
	assert.Equal(t, "/admin/keys/x", sig.KeyID)
	assert.Equal(t, "rsa-sha256", sig.Algorithm)
	assert.Equal(t, []string{"date"}, sig.Headers)
	assert.Equal(t, []byte("sig"), sig.Signature)

	_, err = ParseSignature("Bearer abc")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = ParseSignature(`Signature algorithm="rsa-sha256"`)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAnonymousCreate(t *testing.T) {
	v := NewVerifier()
	r := httptest.NewRequest(http.MethodPost, "/pivtokens", nil)

	assert.NoError(t, v.Authenticate(r, nil, true))
	assert.ErrorIs(t, v.Authenticate(r, nil, false), ErrUnauthorized)
}

func TestMissingAuthorizationHeader(t *testing.T) {
	v := NewVerifier()
	r := httptest.NewRequest(http.MethodGet, "/pivtokens/X/pin", nil)
	token := &types.PIVToken{GUID: "X"}

	assert.ErrorIs(t, v.Authenticate(r, token, false), ErrUnauthorized)
}

func TestRSASignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := &types.PIVToken{PubKeys: &types.PubKeys{Key9E: sshLine(t, &priv.PublicKey)}}

	r := signedRequest(t, "rsa-sha256", func(msg []byte) []byte {
		h := sha256.Sum256(msg)
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
		require.NoError(t, err)
		return sig
	})
	assert.NoError(t, NewVerifier().Authenticate(r, token, false))

	// A signature from a different key fails.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	r = signedRequest(t, "rsa-sha256", func(msg []byte) []byte {
		h := sha256.Sum256(msg)
		sig, err := rsa.SignPKCS1v15(rand.Reader, other, crypto.SHA256, h[:])
		require.NoError(t, err)
		return sig
	})
	assert.ErrorIs(t, NewVerifier().Authenticate(r, token, false), ErrUnauthorized)
}

func TestECDSASignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token := &types.PIVToken{PubKeys: &types.PubKeys{Key9E: sshLine(t, &priv.PublicKey)}}

	r := signedRequest(t, "ecdsa-sha256", func(msg []byte) []byte {
		h := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, priv, h[:])
		require.NoError(t, err)
		return sig
	})
	assert.NoError(t, NewVerifier().Authenticate(r, token, false))
}

func TestEd25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token := &types.PIVToken{PubKeys: &types.PubKeys{Key9E: sshLine(t, pub)}}

	r := signedRequest(t, "ed25519", func(msg []byte) []byte {
		return ed25519.Sign(priv, msg)
	})
	assert.NoError(t, NewVerifier().Authenticate(r, token, false))
}

func hmacSign(key []byte) func(msg []byte) []byte {
	return func(msg []byte) []byte {
		mac := hmac.New(sha256.New, key)
		mac.Write(msg)
		return mac.Sum(nil)
	}
}

func TestHMACUsesNewestUnexpiredToken(t *testing.T) {
	oldKey := []byte("old-token-material-old-token-material-40")
	newKey := []byte("new-token-material-new-token-material-40")
	base := time.Now().Add(-time.Hour)
	expired := base.Add(40 * time.Minute)

	token := &types.PIVToken{
		RecoveryTokens: []*types.RecoveryToken{
			// Stored newest-first on purpose; Created ordering must win.
			{Token: hex.EncodeToString(newKey), Created: base.Add(30 * time.Minute)},
			{Token: hex.EncodeToString(oldKey), Created: base},
			{Token: hex.EncodeToString([]byte("expired")), Created: base.Add(50 * time.Minute), Expired: &expired},
		},
	}

	v := NewVerifier()

	r := signedRequest(t, "hmac-sha256", hmacSign(newKey))
	assert.NoError(t, v.Authenticate(r, token, false))

	// Signing with a superseded token fails.
	r = signedRequest(t, "hmac-sha256", hmacSign(oldKey))
	assert.ErrorIs(t, v.Authenticate(r, token, false), ErrUnauthorized)
}

func TestHMACAllExpired(t *testing.T) {
	now := time.Now()
	key := []byte("some-token-material")
	token := &types.PIVToken{
		RecoveryTokens: []*types.RecoveryToken{
			{Token: hex.EncodeToString(key), Created: now.Add(-time.Hour), Expired: &now},
		},
	}

	r := signedRequest(t, "hmac-sha256", hmacSign(key))
	assert.ErrorIs(t, NewVerifier().Authenticate(r, token, false), ErrUnauthorized)
}

func TestAdminKeyFallback(t *testing.T) {
	tokenKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	adminKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "admin.pub")
	require.NoError(t, os.WriteFile(path, []byte(sshLine(t, &adminKey.PublicKey)), 0600))

	v, err := NewVerifierWithAdminKey(path)
	require.NoError(t, err)

	token := &types.PIVToken{PubKeys: &types.PubKeys{Key9E: sshLine(t, &tokenKey.PublicKey)}}

	r := signedRequest(t, "rsa-sha256", func(msg []byte) []byte {
		h := sha256.Sum256(msg)
		sig, err := rsa.SignPKCS1v15(rand.Reader, adminKey, crypto.SHA256, h[:])
		require.NoError(t, err)
		return sig
	})
	assert.NoError(t, v.Authenticate(r, token, false))

	// Without the admin key configured the same request fails.
	assert.ErrorIs(t, NewVerifier().Authenticate(r, token, false), ErrUnauthorized)
}
