package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the L2 credentials used to authenticate CLOB requests.
type HMACAuth struct {
	Key        string // API key
	Secret     string // base64 (URL or standard alphabet)
	Passphrase string

	// now is overridable in tests.
	now func() time.Time
}

// NewHMACAuth returns credentials that stamp headers with the wall clock.
func NewHMACAuth(key, secret, passphrase string) *HMACAuth {
	return &HMACAuth{Key: key, Secret: secret, Passphrase: passphrase}
}

// Valid reports whether every credential field is populated.
func (h *HMACAuth) Valid() bool {
	return h != nil && h.Key != "" && h.Secret != "" && h.Passphrase != ""
}

// L2Headers returns the POLY_* headers for an authenticated CLOB request.
// The signature is base64url(HMAC-SHA256(secret, ts+method+path+body)).
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	clock := time.Now
	if h.now != nil {
		clock = h.now
	}
	return h.L2HeadersAt(address, method, path, body, clock().Unix())
}

// L2HeadersAt is L2Headers with a caller supplied Unix timestamp.
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := h.Sign(ts + method + path + body)

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// Sign computes the URL-safe base64 HMAC-SHA256 of message.
func (h *HMACAuth) Sign(message string) string {
	mac := hmac.New(sha256.New, decodeSecret(h.Secret))
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// decodeSecret accepts the secret in either base64 alphabet. An undecodable
// secret is used raw so the exchange rejects the signature instead of the
// client panicking.
func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b
	}
	return []byte(secret)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
