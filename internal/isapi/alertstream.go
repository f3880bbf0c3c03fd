package isapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/accessbridge/bridge/internal/multipart"
)

const chunkSize = 2048

// EventHandler receives parsed ISAPI events from the alert-stream client.
// The webhook server delivers through isapiserver.Handler instead.
type EventHandler interface {
	HandleEvent(source string, clientAddr string, evt Event, images map[string][]byte)
}

// AlertStream is a persistent per-device pull client against
// /ISAPI/Event/notification/alertStream, per §4.F.
type AlertStream struct {
	Name             string
	IP               string
	ReconnectDelay   time.Duration
	HeartbeatTimeout time.Duration

	digest  *DigestClient
	handler EventHandler
	logger  *log.Logger
	client  *http.Client

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewAlertStream constructs a client for one device.
func NewAlertStream(name, ip, username, password string, handler EventHandler, logger *log.Logger) *AlertStream {
	return &AlertStream{
		Name:             name,
		IP:               ip,
		ReconnectDelay:   5 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		digest:           NewDigestClient(username, password),
		handler:          handler,
		logger:           logger,
		client:           &http.Client{Timeout: 0}, // streaming body; bounded by HeartbeatTimeout ourselves
	}
}

// Run loops connect-and-stream until ctx is canceled or Stop is called.
func (a *AlertStream) Run(ctx context.Context) {
	if a.running.Swap(true) {
		return
	}
	a.wg.Add(1)
	defer a.wg.Done()

	for a.running.Load() {
		if err := a.connectAndStream(ctx); err != nil {
			a.logger.Printf("alert stream %s error: %v", a.Name, err)
		}

		if !a.running.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.ReconnectDelay):
		}
	}
}

// Stop signals the run loop to exit at its next reconnect check and waits
// for it to return.
func (a *AlertStream) Stop() {
	a.running.Store(false)
	a.wg.Wait()
}

func (a *AlertStream) url() string {
	return fmt.Sprintf("http://%s/ISAPI/Event/notification/alertStream", a.IP)
}

func (a *AlertStream) connectAndStream(ctx context.Context) error {
	a.logger.Printf("connecting to alert stream %s (%s)", a.Name, a.url())

	a.digest.Reset()
	resp, err := DoDigest(a.client, a.digest, http.MethodGet, a.url(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("digest authentication failed for %s", a.Name)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert stream %s: unexpected status %d", a.Name, resp.StatusCode)
	}

	boundary := extractBoundary(resp.Header.Get("Content-Type"))
	a.logger.Printf("alert stream %s connected, boundary=%q", a.Name, boundary)

	return a.readLoop(ctx, resp.Body, boundary)
}

func (a *AlertStream) readLoop(ctx context.Context, body io.Reader, boundary string) error {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)

	read := make(chan readResult, 1)

	go func() {
		for {
			n, err := body.Read(chunk)
			read <- readResult{n: n, err: err}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(a.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("heartbeat timeout for %s", a.Name)
		case res := <-read:
			if res.n > 0 {
				buf.Write(chunk[:res.n])
				if boundary != "" {
					a.processBuffer(&buf, boundary)
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(a.HeartbeatTimeout)
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return res.err
			}
		}

		if !a.running.Load() {
			return nil
		}
	}
}

type readResult struct {
	n   int
	err error
}

// processBuffer splits buf on the boundary marker, dispatches each
// complete part, and retains the final (possibly incomplete) segment as
// the new buffer contents.
func (a *AlertStream) processBuffer(buf *bytes.Buffer, boundary string) {
	marker := "--" + boundary
	data := buf.Bytes()
	segments := bytes.Split(data, []byte(marker))
	if len(segments) <= 1 {
		return
	}

	remainder := segments[len(segments)-1]
	complete := segments[:len(segments)-1]

	for _, seg := range complete {
		trimmed := bytes.Trim(seg, "\r\n")
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("--")) {
			continue
		}
		partStream := append([]byte(marker), trimmed...)
		for _, p := range multipart.Split(partStream, boundary) {
			a.handlePart(p)
		}
	}

	buf.Reset()
	buf.Write(remainder)
}

func (a *AlertStream) handlePart(p multipart.Part) {
	switch p.Type {
	case multipart.PartImage:
		a.logger.Printf("alert stream %s: received image part (%d bytes)", a.Name, len(p.Body))
		return
	case multipart.PartXML:
		events, err := ParseEvents(p.Body)
		if err != nil {
			a.logger.Printf("alert stream %s: failed to parse XML part: %v", a.Name, err)
			return
		}
		for _, evt := range events {
			a.handler.HandleEvent("ISAPI_STREAM", a.IP, evt, nil)
		}
	default:
		a.logger.Printf("alert stream %s: unknown part type %s", a.Name, p.Type)
	}
}

// extractBoundary pulls the boundary= parameter out of a Content-Type
// header value.
func extractBoundary(contentType string) string {
	if contentType == "" || !strings.Contains(contentType, "boundary=") {
		return ""
	}
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "boundary=") {
			v := strings.TrimPrefix(part, "boundary=")
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
