// Package signature computes and verifies HMAC-SHA256 webhook signatures.
//
// Two header forms are understood: a bare hex digest, and the composite
// "t=<unix>,s=<hex>" form. In both the digest covers the raw payload bytes.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Format string

const (
	FormatHex         Format = "hex"
	FormatTimestamped Format = "timestamped"
)

func ParseFormat(value string) Format {
	if strings.EqualFold(strings.TrimSpace(value), string(FormatHex)) {
		return FormatHex
	}
	return FormatTimestamped
}

var ErrMalformedHeader = errors.New("malformed signature header")

// Sign returns the hex HMAC-SHA256 of raw under secret.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

func SignTimestamped(raw []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,s=%s", ts.Unix(), Sign(raw, secret))
}

// Header renders the signature header value in the requested format.
func Header(format Format, raw []byte, secret string, ts time.Time) string {
	if format == FormatHex {
		return Sign(raw, secret)
	}
	return SignTimestamped(raw, secret, ts)
}

// Parsed is a decoded signature header.
type Parsed struct {
	Timestamp *time.Time
	Digests   []string
}

// Parse accepts either header form. "v1=" is read as an alias of "s=".
func Parse(header string) (Parsed, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Parsed{}, ErrMalformedHeader
	}
	if !strings.Contains(header, "=") {
		return Parsed{Digests: []string{header}}, nil
	}

	var out Parsed
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Parsed{}, ErrMalformedHeader
		}
		switch strings.TrimSpace(key) {
		case "t":
			secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return Parsed{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedHeader, err)
			}
			ts := time.Unix(secs, 0).UTC()
			out.Timestamp = &ts
		case "s", "v1":
			out.Digests = append(out.Digests, strings.TrimSpace(value))
		}
	}
	if len(out.Digests) == 0 {
		return Parsed{}, ErrMalformedHeader
	}
	return out, nil
}

// Verify reports whether header carries a valid signature of raw under secret.
// Hex digests match in either case. Comparison is constant time.
func Verify(raw []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	parsed, err := Parse(header)
	if err != nil {
		return false
	}
	expected := []byte(Sign(raw, secret))
	valid := false
	for _, digest := range parsed.Digests {
		if hmac.Equal(expected, []byte(strings.ToLower(digest))) {
			valid = true
		}
	}
	return valid
}

// VerifyWithTolerance additionally rejects timestamped headers older than
// tolerance relative to now. Bare hex headers carry no timestamp and are
// accepted on the digest alone.
func VerifyWithTolerance(raw []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	if !Verify(raw, header, secret) {
		return false
	}
	if tolerance <= 0 {
		return true
	}
	parsed, _ := Parse(header)
	if parsed.Timestamp == nil {
		return true
	}
	age := now.Sub(*parsed.Timestamp)
	if age < 0 {
		age = -age
	}
	return age <= tolerance
}
