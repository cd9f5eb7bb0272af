package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignMatchesLocalHMAC(t *testing.T) {
	raw := []byte(`{"id":"evt_1","type":"session.completed","data":{}}`)
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(raw)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), Sign(raw, "whsec_test"))
}

func TestRoundTripBothFormats(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ts := time.Unix(1760000000, 0)
	for i := 0; i < 200; i++ {
		raw := make([]byte, rng.Intn(512))
		rng.Read(raw)
		secret := randomSecret(rng)

		assert.True(t, Verify(raw, Sign(raw, secret), secret))
		assert.True(t, Verify(raw, SignTimestamped(raw, secret, ts), secret))
	}
}

func TestSingleByteMutationFails(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		raw := make([]byte, 1+rng.Intn(256))
		rng.Read(raw)
		secret := randomSecret(rng)
		sig := Sign(raw, secret)

		mutatedRaw := append([]byte(nil), raw...)
		idx := rng.Intn(len(mutatedRaw))
		mutatedRaw[idx] ^= byte(1 + rng.Intn(255))
		assert.False(t, Verify(mutatedRaw, sig, secret), "payload mutation at %d", idx)

		sigBytes := []byte(sig)
		pos := rng.Intn(len(sigBytes))
		sigBytes[pos] = mutateHexChar(sigBytes[pos])
		assert.False(t, Verify(raw, string(sigBytes), secret), "signature mutation at %d", pos)

		composite := SignTimestamped(raw, secret, time.Unix(1760000000, 0))
		digestStart := strings.Index(composite, "s=") + 2
		compBytes := []byte(composite)
		p := digestStart + rng.Intn(len(compBytes)-digestStart)
		compBytes[p] = mutateHexChar(compBytes[p])
		assert.False(t, Verify(raw, string(compBytes), secret))
	}
}

func TestVerifyAcceptsUpperCaseHex(t *testing.T) {
	raw := []byte(`{"id":"evt_9"}`)
	ts := time.Unix(1760000000, 0)
	assert.True(t, Verify(raw, strings.ToUpper(Sign(raw, "whsec_test")), "whsec_test"))

	header := SignTimestamped(raw, "whsec_test", ts)
	digestStart := strings.Index(header, "s=") + 2
	upper := header[:digestStart] + strings.ToUpper(header[digestStart:])
	assert.True(t, Verify(raw, upper, "whsec_test"))
	assert.False(t, Verify(raw, strings.ToUpper(Sign(raw, "other")), "whsec_test"))
}

func TestVerifyRejectsEmptyAndMalformed(t *testing.T) {
	raw := []byte("payload")
	sig := Sign(raw, "secret")
	assert.False(t, Verify(raw, sig, ""))
	assert.False(t, Verify(raw, "", "secret"))
	assert.False(t, Verify(raw, "t=abc,s="+sig, "secret"))
	assert.False(t, Verify(raw, "t=123", "secret"))
	assert.False(t, Verify(raw, Sign(raw, "other"), "secret"))
}

func TestParseAcceptsV1Alias(t *testing.T) {
	raw := []byte("payload")
	sig := Sign(raw, "secret")
	parsed, err := Parse("t=1760000000, v1=" + sig)
	require.NoError(t, err)
	require.NotNil(t, parsed.Timestamp)
	assert.Equal(t, int64(1760000000), parsed.Timestamp.Unix())
	assert.True(t, Verify(raw, "t=1760000000,v1="+sig, "secret"))
}

func TestVerifyWithTolerance(t *testing.T) {
	raw := []byte("payload")
	signedAt := time.Unix(1760000000, 0)
	header := SignTimestamped(raw, "secret", signedAt)

	assert.True(t, VerifyWithTolerance(raw, header, "secret", 5*time.Minute, signedAt.Add(time.Minute)))
	assert.False(t, VerifyWithTolerance(raw, header, "secret", 5*time.Minute, signedAt.Add(10*time.Minute)))
	assert.True(t, VerifyWithTolerance(raw, Sign(raw, "secret"), "secret", 5*time.Minute, signedAt.Add(time.Hour)))
}

func TestHeaderFormat(t *testing.T) {
	raw := []byte("x")
	ts := time.Unix(100, 0)
	assert.Equal(t, Sign(raw, "k"), Header(FormatHex, raw, "k", ts))
	assert.Equal(t, "t=100,s="+Sign(raw, "k"), Header(FormatTimestamped, raw, "k", ts))
	assert.Equal(t, FormatHex, ParseFormat(" HEX "))
	assert.Equal(t, FormatTimestamped, ParseFormat(""))
}

func randomSecret(rng *rand.Rand) string {
	b := make([]byte, 8+rng.Intn(24))
	rng.Read(b)
	return hex.EncodeToString(b)
}

func mutateHexChar(c byte) byte {
	if c == '0' {
		return '1'
	}
	return '0'
}
