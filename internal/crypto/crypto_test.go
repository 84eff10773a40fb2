package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "topsecret"}

	h1 := auth.HeadersAt("POST", "/sign", `{"tx":"abc"}`, 1700000000)
	h2 := auth.HeadersAt("POST", "/sign", `{"tx":"abc"}`, 1700000000)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "key-1", h1["X-SIGNER-API-KEY"])
	assert.Equal(t, "1700000000", h1["X-SIGNER-TIMESTAMP"])
	assert.NotEmpty(t, h1["X-SIGNER-SIGNATURE"])

	// Any change to the message material changes the signature.
	h3 := auth.HeadersAt("POST", "/sign", `{"tx":"abd"}`, 1700000000)
	assert.NotEqual(t, h1["X-SIGNER-SIGNATURE"], h3["X-SIGNER-SIGNATURE"])
}

func TestVerifyMatchesHeaders(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "topsecret"}
	h := auth.HeadersAt("GET", "/healthz", "", 1700000000)

	assert.True(t, auth.Verify("GET", "/healthz", "", h["X-SIGNER-TIMESTAMP"], h["X-SIGNER-SIGNATURE"]))
	assert.False(t, auth.Verify("GET", "/healthz", "", "1700000001", h["X-SIGNER-SIGNATURE"]))
}

func TestSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("signer-api-secret", "correct horse")
	require.NoError(t, err)

	out, err := DecryptSecret(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "signer-api-secret", out)

	_, err = DecryptSecret(blob, "wrong password")
	assert.Error(t, err)
}

func TestStringRedactsCredentials(t *testing.T) {
	auth := &HMACAuth{Key: "key-123456", Secret: "supersecret"}
	s := auth.String()
	assert.NotContains(t, s, "supersecret")
	assert.NotContains(t, s, "123456")
}
