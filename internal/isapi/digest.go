package isapi

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Algorithm is the Digest algorithm negotiated from a WWW-Authenticate
// challenge.
type Algorithm string

const (
	AlgorithmMD5        Algorithm = "MD5"
	AlgorithmMD5Sess    Algorithm = "MD5-SESS"
	AlgorithmSHA256     Algorithm = "SHA-256"
	AlgorithmSHA256Sess Algorithm = "SHA-256-SESS"
)

// QOP is the quality-of-protection negotiated from a challenge.
type QOP string

const (
	QOPAuth QOP = "auth"
	QOPNone QOP = ""
)

// DigestClient tracks per-target RFC 7616 Digest authentication state:
// realm, nonce, opaque, algorithm, qop, and a monotonically increasing
// nonce-count. State resets on reconnect or on a server stale=true
// response, matching the alert-stream client's per-connection lifecycle.
type DigestClient struct {
	Username string
	Password string

	mu        sync.Mutex
	realm     string
	nonce     string
	opaque    string
	algorithm Algorithm
	qop       QOP
	nc        uint32
	cnonce    string
}

// NewDigestClient constructs a client with no challenge state yet; the
// first request is expected to receive a 401 and call Challenge.
func NewDigestClient(username, password string) *DigestClient {
	return &DigestClient{Username: username, Password: password}
}

// Reset clears all challenge state, as required on reconnect.
func (d *DigestClient) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.realm = ""
	d.nonce = ""
	d.opaque = ""
	d.algorithm = ""
	d.qop = QOPNone
	d.nc = 0
	d.cnonce = ""
}

// Challenge parses a WWW-Authenticate header and updates client state. On
// stale=true the nonce-count is reset so the next Authorization header
// starts counting from nc=1 again.
func (d *DigestClient) Challenge(wwwAuthenticate string) error {
	if !strings.HasPrefix(strings.ToLower(wwwAuthenticate), "digest") {
		return fmt.Errorf("isapi: not a Digest challenge: %s", wwwAuthenticate)
	}

	params := parseChallengeParams(wwwAuthenticate[len("Digest "):])

	d.mu.Lock()
	defer d.mu.Unlock()

	d.realm = params["realm"]
	d.nonce = params["nonce"]
	d.opaque = params["opaque"]

	d.algorithm = Algorithm(strings.ToUpper(params["algorithm"]))
	if d.algorithm == "" {
		d.algorithm = AlgorithmMD5
	}

	// If the server advertises both auth and auth-int, auth wins (§4.E);
	// only "auth" is supported, so any advertisement of it is selected.
	d.qop = QOPNone
	for _, q := range strings.Split(params["qop"], ",") {
		if strings.TrimSpace(q) == string(QOPAuth) {
			d.qop = QOPAuth
		}
	}

	if params["stale"] == "true" {
		d.nc = 0
	}

	cnonce, err := randomHex(8)
	if err != nil {
		return fmt.Errorf("isapi: generate cnonce: %w", err)
	}
	d.cnonce = cnonce

	return nil
}

// Authorize builds the Authorization header value for method+uri. Callers
// must have already populated challenge state via Challenge.
func (d *DigestClient) Authorize(method, rawURL string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.nonce == "" {
		return "", fmt.Errorf("isapi: no digest challenge received yet")
	}

	uri, err := requestURI(rawURL)
	if err != nil {
		return "", err
	}

	d.nc++
	ncStr := fmt.Sprintf("%08x", d.nc)

	h := hashFunc(d.algorithm)
	ha1 := h(fmt.Sprintf("%s:%s:%s", d.Username, d.realm, d.Password))
	if d.algorithm == AlgorithmMD5Sess || d.algorithm == AlgorithmSHA256Sess {
		ha1 = h(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, d.cnonce))
	}
	ha2 := h(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if d.qop == QOPAuth {
		response = h(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.nonce, ncStr, d.cnonce, d.qop, ha2))
	} else {
		response = h(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, ha2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		d.Username, d.realm, d.nonce, uri, response)
	if d.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, d.opaque)
	}
	if d.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, d.algorithm)
	}
	if d.qop == QOPAuth {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, d.qop, ncStr, d.cnonce)
	}

	return b.String(), nil
}

// DoDigest performs method against rawURL using client, retrying exactly
// once on a 401 challenge per §4.E. client's challenge state is updated in
// place from the 401 response before the retry.
func DoDigest(httpClient *http.Client, client *DigestClient, method, rawURL string, body []byte) (*http.Response, error) {
	resp, err := doRequest(httpClient, method, rawURL, body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if wwwAuth == "" {
		return resp, fmt.Errorf("isapi: 401 with no WWW-Authenticate challenge")
	}

	if err := client.Challenge(wwwAuth); err != nil {
		return nil, err
	}

	authHeader, err := client.Authorize(method, rawURL)
	if err != nil {
		return nil, err
	}

	return doRequest(httpClient, method, rawURL, body, map[string]string{
		"Authorization": authHeader,
	})
}

func doRequest(httpClient *http.Client, method, rawURL string, body []byte, headers map[string]string) (*http.Response, error) {
	var bodyReader *strings.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, rawURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "Keep-Alive")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return httpClient.Do(req)
}

func requestURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("isapi: parse url %q: %w", rawURL, err)
	}
	uri := u.Path
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri, nil
}

func hashFunc(alg Algorithm) func(string) string {
	switch alg {
	case AlgorithmSHA256, AlgorithmSHA256Sess:
		return func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	default:
		return func(s string) string {
			sum := md5.Sum([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseChallengeParams splits a comma-separated list of key=value or
// key="value" pairs, as found after the "Digest " prefix of a
// WWW-Authenticate header.
func parseChallengeParams(s string) map[string]string {
	params := make(map[string]string)
	for _, item := range splitChallengeItems(s) {
		k, v, found := strings.Cut(item, "=")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)
		params[k] = v
	}
	return params
}

// splitChallengeItems splits on commas that are not inside a quoted value,
// since domain= and other quoted fields may themselves legally contain
// commas.
func splitChallengeItems(s string) []string {
	var items []string
	var current strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case ',':
			if inQuotes {
				current.WriteRune(r)
			} else {
				items = append(items, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		items = append(items, current.String())
	}
	return items
}
