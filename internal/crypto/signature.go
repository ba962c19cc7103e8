package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the accepted clock skew for signed requests.
const DefaultTolerance = 5 * time.Minute

// Signer computes and verifies HMAC-SHA256 request signatures.
type Signer struct {
	secret    []byte
	tolerance time.Duration
}

// NewSigner returns a Signer with the given shared secret.
// A zero tolerance falls back to DefaultTolerance.
func NewSigner(secret string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance}
}

// Sign computes the hex signature over
// "METHOD\nPATH\nTS\nBODY\nh1:v1\nh2:v2...". Header names are lowercased
// and sorted so both sides canonicalize identically.
func (s *Signer) Sign(method, path string, ts int64, body []byte, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.Write(body)

	if len(headers) > 0 {
		// Only the canonical-string name is lowercased; the value lookup
		// keeps the caller's original key.
		names := make([]string, 0, len(headers))
		for k := range headers {
			names = append(names, k)
		}
		sort.Slice(names, func(i, j int) bool {
			return strings.ToLower(names[i]) < strings.ToLower(names[j])
		})
		for _, k := range names {
			b.WriteByte('\n')
			b.WriteString(strings.ToLower(k))
			b.WriteByte(':')
			b.WriteString(headers[k])
		}
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time after a
// length check. The timestamp must be within the tolerance window of now.
func (s *Signer) Verify(sig, method, path string, ts int64, body []byte, headers map[string]string, now time.Time) (ok, inWindow bool) {
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > s.tolerance {
		return false, false
	}

	want := s.Sign(method, path, ts, body, headers)
	if len(sig) != len(want) {
		return false, true
	}
	return hmac.Equal([]byte(sig), []byte(want)), true
}
