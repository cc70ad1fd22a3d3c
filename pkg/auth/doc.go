/*
Package auth verifies HTTP Signature authentication for the API.

Requests prove ownership of a PIV token one of two ways:

	hmac-*   keyed with the token's newest live recovery token. This is
	         the path a compute node uses day to day: it holds the token
	         material it was handed at enrollment.
	other    an asymmetric signature verified against the PIV token's 9E
	         (card authentication) public key. An operator admin key can
	         be configured as a fallback verifier for break-glass access.

The Authorization header follows the draft HTTP Signatures scheme:

	Signature keyId="...",algorithm="hmac-sha256",headers="date",signature="..."

The signing string is rebuilt from the named request headers in signature
order ("date: <value>" lines joined with newlines), with (request-target)
and host supported as pseudo-headers. Supported digests are sha1, sha256 and
sha512; supported key types are RSA (PKCS#1 v1.5), ECDSA (ASN.1) and
Ed25519, all parsed from SSH authorized-keys lines.

Every failure collapses to ErrUnauthorized at the API boundary. The concrete
cause is wrapped for server-side logging but never sent to the client.
*/
package auth
