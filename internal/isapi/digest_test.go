package isapi

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDigestClientChallengeParsesParams(t *testing.T) {
	d := NewDigestClient("admin", "secret")
	err := d.Challenge(`Digest realm="DS-2CD", qop="auth", nonce="abc123", opaque="xyz", algorithm=MD5`)
	require.NoError(t, err)
	assert.Equal(t, "DS-2CD", d.realm)
	assert.Equal(t, "abc123", d.nonce)
	assert.Equal(t, QOPAuth, d.qop)
	assert.Equal(t, AlgorithmMD5, d.algorithm)
}

func TestDigestClientChallengeRejectsNonDigest(t *testing.T) {
	d := NewDigestClient("u", "p")
	assert.Error(t, d.Challenge(`Basic realm="x"`))
}

func TestDigestClientChallengeStaleResetsNonceCount(t *testing.T) {
	d := NewDigestClient("u", "p")
	require.NoError(t, d.Challenge(`Digest realm="r", qop="auth", nonce="n1"`))
	_, err := d.Authorize("GET", "http://host/path")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.nc)

	require.NoError(t, d.Challenge(`Digest realm="r", qop="auth", nonce="n2", stale=true`))
	assert.Equal(t, uint32(0), d.nc)
}

var headerFieldPattern = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^,\s]+))`)

func parseAuthHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, m := range headerFieldPattern.FindAllStringSubmatch(header, -1) {
		val := m[2]
		if val == "" {
			val = m[3]
		}
		out[m[1]] = val
	}
	return out
}

func TestDigestClientAuthorizeProducesValidResponseHash(t *testing.T) {
	d := NewDigestClient("admin", "12345")
	require.NoError(t, d.Challenge(`Digest realm="myrealm", qop="auth", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093"`))

	header, err := d.Authorize("GET", "http://10.0.0.1/ISAPI/System/deviceInfo")
	require.NoError(t, err)

	fields := parseAuthHeader(header)
	assert.Equal(t, "admin", fields["username"])
	assert.Equal(t, "myrealm", fields["realm"])
	assert.Equal(t, "auth", fields["qop"])
	require.Contains(t, fields, "nc")
	require.Contains(t, fields, "cnonce")
	require.Contains(t, fields, "response")

	ha1 := md5hex(fmt.Sprintf("admin:myrealm:12345"))
	ha2 := md5hex("GET:/ISAPI/System/deviceInfo")
	expected := md5hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, d.nonce, fields["nc"], fields["cnonce"], ha2))
	assert.Equal(t, expected, fields["response"])
}

func TestDigestClientAuthorizeWithoutChallengeFails(t *testing.T) {
	d := NewDigestClient("u", "p")
	_, err := d.Authorize("GET", "http://host/path")
	assert.Error(t, err)
}

func TestDigestClientResetClearsState(t *testing.T) {
	d := NewDigestClient("u", "p")
	require.NoError(t, d.Challenge(`Digest realm="r", nonce="n"`))
	d.Reset()
	assert.Empty(t, d.nonce)
	assert.Empty(t, d.realm)
}

func TestDoDigestRetriesOnceOn401(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate", `Digest realm="r", qop="auth", nonce="n123"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewDigestClient("admin", "pw")
	resp, err := DoDigest(server.Client(), client, http.MethodGet, server.URL+"/path", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}
