// Package dispatch delivers normalized events to a tenant's upstream
// accounting endpoint, with bounded retry and transient/permanent failure
// classification.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/accessbridge/bridge/internal/normalize"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Sentinel errors the retry loop and metrics can classify against.
var (
	// ErrPermanent marks a 4xx response: retrying would not help.
	ErrPermanent = errors.New("dispatch: permanent upstream rejection")
	// ErrTransient marks a network error, timeout, or 5xx: worth retrying.
	ErrTransient = errors.New("dispatch: transient upstream failure")
)

const (
	maxAttempts  = 3
	backoffBase  = 1 * time.Second
	backoffCap   = 10 * time.Second
)

// payload is the JSON body sent upstream, per §4.J.
type payload struct {
	Employee  string `json:"employee"`
	Card      string `json:"card"`
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
	Success   bool   `json:"success"`
	Device    string `json:"device"`
	Raw       string `json:"raw"`
	Source    string `json:"source"`
	Tenant    string `json:"tenant"`
}

// Dispatcher delivers events to a per-tenant upstream endpoint.
type Dispatcher struct {
	client *http.Client
	logger *log.Logger
}

// New constructs a Dispatcher. timeout bounds each individual attempt.
func New(timeout time.Duration, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch delivers evt to t's upstream. On success returns nil. On
// exhausted retries returns the last error, wrapping ErrTransient or
// ErrPermanent so callers can classify the outcome without inspecting HTTP
// status codes directly.
func (d *Dispatcher) Dispatch(t tenant.Tenant, evt normalize.Event) error {
	body, err := json.Marshal(buildPayload(t, evt))
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.attempt(t, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) {
			d.logger.Printf("dispatch to %s: permanent failure, not retrying: %v", t.Name, err)
			return err
		}

		if attempt < maxAttempts {
			delay := backoffDelay(attempt)
			d.logger.Printf("dispatch to %s: attempt %d/%d failed (%v), retrying in %s", t.Name, attempt, maxAttempts, err, delay)
			time.Sleep(delay)
		}
	}

	d.logger.Printf("dispatch to %s: exhausted %d attempts: %v", t.Name, maxAttempts, lastErr)
	return lastErr
}

func (d *Dispatcher) attempt(t tenant.Tenant, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, t.Auth)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: upstream returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: upstream returned %d", ErrPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected upstream status %d", ErrTransient, resp.StatusCode)
	}
}

func applyAuth(req *http.Request, auth tenant.Auth) {
	switch auth.Type {
	case tenant.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Pass)
	case tenant.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}

func buildPayload(t tenant.Tenant, evt normalize.Event) payload {
	return payload{
		Employee:  evt.UserID,
		Card:      evt.CardNumber,
		Timestamp: evt.Timestamp,
		Direction: evt.Direction,
		Success:   evt.Success,
		Device:    evt.DeviceID,
		Raw:       evt.Raw,
		Source:    string(evt.Source),
		Tenant:    t.Name,
	}
}

// backoffDelay returns the exponential backoff for the attempt just made
// (1-indexed), base 1s, capped at 10s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
