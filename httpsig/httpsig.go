// Package httpsig signs and verifies S2S delivery requests using the
// "Signing HTTP Messages" profile the Fediverse actually speaks: RSA-SHA256
// over a fixed header set, with a SHA-256 body digest.
package httpsig

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	hs "code.superseriousbusiness.org/httpsig"
)

// Failure kinds a caller can match on with errors.Is.
var (
	ErrBadFormat     = errors.New("httpsig: malformed signature")
	ErrClockSkew     = errors.New("httpsig: Date header outside acceptable skew")
	ErrDigestMismatch = errors.New("httpsig: body digest does not match Digest header")
	ErrNotAuthentic  = errors.New("httpsig: signature does not verify against the actor's public key")
	ErrBadKey        = errors.New("httpsig: malformed public or private key")
)

// MaxClockSkew is the tolerance applied to the signed Date header, matching
// the de facto Fediverse-wide convention.
const MaxClockSkew = 30 * time.Second

// postHeaders is the signed-header set used for inbox deliveries: it covers
// the request line, addressing, timestamp, and body integrity.
var postHeaders = []string{hs.RequestTarget, "host", "date", "digest"}

// getHeaders is the signed-header set used for unsigned-body GETs such as
// actor or object dereference.
var getHeaders = []string{hs.RequestTarget, "host", "date"}

// ParsePrivateKey decodes a PEM-encoded RSA private key in either PKCS#1 or
// PKCS#8 form.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("%w: not a PEM block", ErrBadKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrBadKey)
	}
	return key, nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key in either PKIX or
// PKCS#1 form.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("%w: not a PEM block", ErrBadKey)
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("%w: not an RSA public key", ErrBadKey)
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return key, nil
}

// SignRequest signs req in place using keyId, adding a Signature header
// covering the request target, Host, Date, and (when req carries a body)
// Digest. The caller must have already set Host and Date; SignRequest
// drains and restores req.Body.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	body, err := drainBody(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	headers := getHeaders
	if req.Header.Get("Digest") != "" || len(body) > 0 || req.Method == http.MethodPost {
		headers = postHeaders
	}

	signer, _, err := hs.NewSigner([]hs.Algorithm{hs.RSA_SHA256}, hs.DigestSha256, headers, hs.Signature)
	if err != nil {
		return fmt.Errorf("httpsig: constructing signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return fmt.Errorf("httpsig: signing request: %w", err)
	}
	return nil
}

// PeekKeyID parses req's Signature header far enough to extract the claimed
// keyId, without checking it against any public key. Callers use this to
// fetch the actor document the keyId names before running VerifyRequest.
func PeekKeyID(req *http.Request) (string, error) {
	verifier, err := hs.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	keyID := verifier.KeyId()
	if keyID == "" {
		return "", fmt.Errorf("%w: empty keyId", ErrBadFormat)
	}
	return keyID, nil
}

// VerifyRequest checks the Signature header on req against publicKeyPEM and
// the Date header against the local clock, and checks any Digest header
// against the actual body. It returns the actor URI the signature claims to
// speak for (the key id with its fragment removed).
func VerifyRequest(req *http.Request, publicKeyPEM string) (actorURI string, err error) {
	pubKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}

	verifier, err := hs.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	if err := checkClockSkew(req); err != nil {
		return "", err
	}
	if err := checkDigest(req); err != nil {
		return "", err
	}

	if err := verifier.Verify(pubKey, hs.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthentic, err)
	}

	keyID := verifier.KeyId()
	if keyID == "" {
		return "", fmt.Errorf("%w: empty keyId", ErrBadFormat)
	}
	return strings.SplitN(keyID, "#", 2)[0], nil
}

func checkClockSkew(req *http.Request) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return fmt.Errorf("%w: missing Date header", ErrBadFormat)
	}
	signedAt, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header %q", ErrBadFormat, dateHeader)
	}
	skew := time.Since(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("%w: %s is %s away from local time", ErrClockSkew, dateHeader, skew)
	}
	return nil
}

func checkDigest(req *http.Request) error {
	declared := req.Header.Get("Digest")
	if declared == "" {
		return nil
	}
	body, err := drainBody(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	want := "SHA-256=" + base64SHA256(body)
	for _, part := range strings.Split(declared, ",") {
		if strings.EqualFold(strings.TrimSpace(part), want) {
			return nil
		}
	}
	return fmt.Errorf("%w: got %q", ErrDigestMismatch, declared)
}

func base64SHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// drainBody reads req.Body fully and restores it so later readers (the JSON
// decoder, a subsequent digest check) see the same bytes.
func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
