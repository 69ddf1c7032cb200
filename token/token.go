// Package token implements the stateless HMAC-SHA256 challenge token: a
// signed, URL-safe envelope that rebinds a challenge's id, nonce and TTL on
// every request without the server having to look anything up to verify it.
//
// The signing key is derived from the configured secret via HKDF rather than
// used directly, so the raw operator-supplied secret never touches the HMAC
// primitive itself.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidFormat is returned when a token string does not split into
// exactly two base64url segments.
var ErrInvalidFormat = errors.New("token: invalid format")

// ErrInvalidSignature is returned when the recomputed HMAC does not match
// the signature segment.
var ErrInvalidSignature = errors.New("token: invalid signature")

// hkdfInfo scopes the derived signing key to this package's purpose, so the
// same operator secret can be reused elsewhere without key reuse across
// unrelated HMAC contexts.
const hkdfInfo = "linecaptcha-line-token-v1"

// Claims is the payload bound into a challenge token: spec.md §4.4 fixes
// this exact field set.
type Claims struct {
	ChallengeID string `json:"cid"`
	Seed        string `json:"seed"`
	TTLMs       int64  `json:"ttl"`
	IssuedAtMs  int64  `json:"iat"`
	Nonce       string `json:"nonce"`
}

// Signer signs and verifies Claims with a key derived once from a secret at
// construction time. A Signer is safe for concurrent use: signing and
// verification only read the derived key.
type Signer struct {
	key []byte
}

// NewSigner derives a 32-byte HMAC key from secret via HKDF-SHA256 and
// returns a Signer ready for concurrent use.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("token: secret must not be empty")
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// canonicalJSON serializes v the way spec.md §4.4 and §6 require: sorted
// keys, no whitespace. encoding/json renders struct fields in declaration
// order, so a non-map value is first marshalled, decoded back into a map
// (numbers kept verbatim via UseNumber) and re-emitted by sortedMapJSON.
func canonicalJSON(v any) ([]byte, error) {
	if m, ok := v.(map[string]any); ok {
		return sortedMapJSON(m)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return sortedMapJSON(m)
}

func sortedMapJSON(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func b64encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func b64decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// Sign serializes claims to canonical JSON and returns the
// base64url(body).base64url(hmac) token string.
func (s *Signer) Sign(claims Claims) (string, error) {
	body, err := canonicalJSON(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	sig := mac.Sum(nil)
	return b64encode(body) + "." + b64encode(sig), nil
}

// Verify splits token on ".", recomputes the HMAC over the decoded body, and
// constant-time compares it against the decoded signature. On success it
// returns the decoded Claims.
func (s *Signer) Verify(tok string) (Claims, error) {
	var claims Claims

	dot := -1
	for i := 0; i < len(tok); i++ {
		if tok[i] == '.' {
			if dot != -1 {
				return claims, ErrInvalidFormat
			}
			dot = i
		}
	}
	if dot <= 0 || dot == len(tok)-1 {
		return claims, ErrInvalidFormat
	}

	bodyB64, sigB64 := tok[:dot], tok[dot+1:]
	body, err := b64decode(bodyB64)
	if err != nil {
		return claims, ErrInvalidFormat
	}
	sig, err := b64decode(sigB64)
	if err != nil {
		return claims, ErrInvalidFormat
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return claims, ErrInvalidSignature
	}

	if err := json.Unmarshal(body, &claims); err != nil {
		return claims, ErrInvalidFormat
	}
	return claims, nil
}
