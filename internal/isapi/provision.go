package isapi

import (
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceInfo is the subset of /ISAPI/System/deviceInfo this bridge reads
// before attempting to provision a device.
type DeviceInfo struct {
	DeviceID string `xml:"deviceID"`
	Model    string `xml:"model"`
}

// ProvisionClient performs one-shot device configuration: registering this
// bridge's webhook URL as an HTTP host notification target and enabling the
// configured event types. Gated by features.auto_configure_terminals.
type ProvisionClient struct {
	BaseURL string
	digest  *DigestClient
	client  *http.Client
	logger  *log.Logger
}

// NewProvisionClient constructs a client for one device's base URL
// (http://host:port).
func NewProvisionClient(baseURL, username, password string, logger *log.Logger) *ProvisionClient {
	return &ProvisionClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		digest:  NewDigestClient(username, password),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// IsReachable reports whether the device answers deviceInfo at all
// (success is either 200 or an expected 401 that proves the device is up
// and merely gating behind auth).
func (p *ProvisionClient) IsReachable() bool {
	resp, err := DoDigest(p.client, p.digest, http.MethodGet, p.BaseURL+"/ISAPI/System/deviceInfo", nil)
	if err != nil {
		p.logger.Printf("reachability check failed for %s: %v", p.BaseURL, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized
}

// GetDeviceInfo fetches and parses deviceInfo.
func (p *ProvisionClient) GetDeviceInfo() (*DeviceInfo, error) {
	resp, err := DoDigest(p.client, p.digest, http.MethodGet, p.BaseURL+"/ISAPI/System/deviceInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("isapi: deviceInfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("isapi: deviceInfo returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("isapi: read deviceInfo body: %w", err)
	}

	var info DeviceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("isapi: parse deviceInfo: %w", err)
	}
	return &info, nil
}

// ConfigureHTTPHost registers callbackURL as HTTP host notification target
// hostID on the device.
func (p *ProvisionClient) ConfigureHTTPHost(callbackURL string, hostID int) error {
	payload, err := httpHostPayload(callbackURL, hostID)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/ISAPI/Event/notification/httpHosts/%d", p.BaseURL, hostID)
	resp, err := DoDigest(p.client, p.digest, http.MethodPut, target, []byte(payload))
	if err != nil {
		return fmt.Errorf("isapi: configure httpHost: %w", err)
	}
	defer resp.Body.Close()

	if !isProvisionSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("isapi: configure httpHost: HTTP %d: %s", resp.StatusCode, string(body))
	}
	p.logger.Printf("http host notification configured for %s", p.BaseURL)
	return nil
}

// EnableEvents subscribes hostID to eventTypes.
func (p *ProvisionClient) EnableEvents(eventTypes []string, hostID int) error {
	payload := eventTriggerPayload(eventTypes, hostID)

	target := fmt.Sprintf("%s/ISAPI/Event/notification/trigger", p.BaseURL)
	resp, err := DoDigest(p.client, p.digest, http.MethodPut, target, []byte(payload))
	if err != nil {
		return fmt.Errorf("isapi: enable events: %w", err)
	}
	defer resp.Body.Close()

	if !isProvisionSuccess(resp.StatusCode) {
		return fmt.Errorf("isapi: enable events: HTTP %d", resp.StatusCode)
	}
	p.logger.Printf("enabled event types on %s: %s", p.BaseURL, strings.Join(eventTypes, ","))
	return nil
}

func isProvisionSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent
}

func httpHostPayload(callbackURL string, hostID int) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("isapi: parse callback url: %w", err)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf(`<HttpHostNotification version="2.0" xmlns="http://www.hikvision.com/ver20/XMLSchema">
    <id>%d</id>
    <enabled>true</enabled>
    <addressingFormatType>ipaddress</addressingFormatType>
    <ipAddress>%s</ipAddress>
    <portNo>%s</portNo>
    <protocolType>HTTP</protocolType>
    <url>%s</url>
    <httpAuthenticationMethod>digest</httpAuthenticationMethod>
</HttpHostNotification>`, hostID, u.Hostname(), port, path), nil
}

func eventTriggerPayload(eventTypes []string, hostID int) string {
	var entries strings.Builder
	for idx, evt := range eventTypes {
		fmt.Fprintf(&entries, `    <EventTriggerNotification>
        <id>%d</id>
        <eventType>%s</eventType>
        <eventDescription>auto</eventDescription>
        <protocolType>HTTP</protocolType>
        <httpHostId>%d</httpHostId>
        <triggerState>true</triggerState>
    </EventTriggerNotification>
`, idx+1, evt, hostID)
	}

	return fmt.Sprintf(`<EventTriggerNotificationList version="2.0" xmlns="http://www.hikvision.com/ver20/XMLSchema">
%s</EventTriggerNotificationList>`, entries.String())
}
