// Package isapi implements the Hikvision ISAPI camera protocol: the
// EventNotificationAlert XML parser, RFC 7616 Digest authentication, the
// persistent alert-stream pull client, and one-shot device provisioning.
package isapi

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
)

// Event is the parsed form of one EventNotificationAlert (or one child of a
// batched alert carrying several).
type Event struct {
	EventDateTime   string
	EventType       string
	EventState      string
	DeviceID        string
	MacAddress      string
	IPAddress       string
	CardNo          string
	EmployeeNo      string
	DoorID          string
	ReaderID        string
	MajorEventType  string
	MinorEventType  string
	PicURL          string
	PicData         []byte

	// RawPayload is the original XML (or multipart XML part) bytes this
	// Event was parsed from, kept for audit per the normalized schema's
	// raw field. All events parsed out of one batched alert share the
	// same RawPayload, since ParseEvents does not re-split it per alert.
	RawPayload []byte
}

// DeviceKey returns the identifier downstream routing keys on:
// mac_address, falling back to device_id, falling back to "unknown".
func (e *Event) DeviceKey() string {
	if e.MacAddress != "" {
		return e.MacAddress
	}
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return "unknown"
}

// rawAlert mirrors the subset of EventNotificationAlert fields this bridge
// cares about, including the nested AccessControllerEvent block some
// firmware versions use for access-specific fields.
type rawAlert struct {
	XMLName         xml.Name            `xml:"EventNotificationAlert"`
	DateTime        string              `xml:"dateTime"`
	EventDateTime   string              `xml:"eventDateTime"`
	EventType       string              `xml:"eventType"`
	EventState      string              `xml:"eventState"`
	DeviceID        string              `xml:"deviceID"`
	MacAddress      string              `xml:"macAddress"`
	IPAddress       string              `xml:"ipAddress"`
	ChannelID       string              `xml:"channelID"`
	MajorEventType  string              `xml:"majorEventType"`
	MinorEventType  string              `xml:"minorEventType"`
	PicURL          string              `xml:"picURL"`
	PicData         string              `xml:"picData"`
	AccessController *accessControllerEvent `xml:"AccessControllerEvent"`
}

type accessControllerEvent struct {
	CardNo         string `xml:"cardNo"`
	EmployeeNo     string `xml:"employeeNo"`
	EmployeeNoStr  string `xml:"employeeNoString"`
	DoorID         string `xml:"doorID"`
	ReaderID       string `xml:"readerID"`
	MajorEventType string `xml:"majorEventType"`
	MinorEventType string `xml:"minorEventType"`
	PicURL         string `xml:"picURL"`
	PicData        string `xml:"picData"`
}

// rawAlertList is the batched form §4.D mentions: a root element whose
// children are individual EventNotificationAlert documents.
type rawAlertList struct {
	Alerts []rawAlert `xml:"EventNotificationAlert"`
}

// ParseEvents parses one XML payload into one or more Events. A payload
// whose root is itself EventNotificationAlert yields one event; a batched
// root containing multiple EventNotificationAlert children yields one per
// child, per §4.D.
func ParseEvents(payload []byte) ([]Event, error) {
	var single rawAlert
	if err := xml.Unmarshal(payload, &single); err == nil && single.XMLName.Local == "EventNotificationAlert" {
		evt := alertToEvent(single)
		evt.RawPayload = payload
		return []Event{evt}, nil
	}

	var list rawAlertList
	if err := xml.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("isapi: parse EventNotificationAlert: %w", err)
	}
	if len(list.Alerts) == 0 {
		return nil, fmt.Errorf("isapi: no EventNotificationAlert elements found")
	}

	events := make([]Event, 0, len(list.Alerts))
	for _, a := range list.Alerts {
		evt := alertToEvent(a)
		evt.RawPayload = payload
		events = append(events, evt)
	}
	return events, nil
}

func alertToEvent(a rawAlert) Event {
	evt := Event{
		EventDateTime:  firstNonEmpty(a.EventDateTime, a.DateTime),
		EventType:      a.EventType,
		EventState:     a.EventState,
		DeviceID:       a.DeviceID,
		MacAddress:     a.MacAddress,
		IPAddress:      a.IPAddress,
		MajorEventType: a.MajorEventType,
		MinorEventType: a.MinorEventType,
		PicURL:         a.PicURL,
	}

	if a.AccessController != nil {
		ac := a.AccessController
		evt.CardNo = ac.CardNo
		evt.EmployeeNo = firstNonEmpty(ac.EmployeeNo, ac.EmployeeNoStr)
		evt.DoorID = ac.DoorID
		evt.ReaderID = ac.ReaderID
		evt.MajorEventType = firstNonEmpty(evt.MajorEventType, ac.MajorEventType)
		evt.MinorEventType = firstNonEmpty(evt.MinorEventType, ac.MinorEventType)
		evt.PicURL = firstNonEmpty(evt.PicURL, ac.PicURL)
		if evt.PicURL == "" {
			evt.PicURL = ac.PicURL
		}
		if a.PicData == "" {
			a.PicData = ac.PicData
		}
	}

	if a.PicData != "" {
		if decoded, err := base64.StdEncoding.DecodeString(a.PicData); err == nil {
			evt.PicData = decoded
		}
	}

	return evt
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Direction is the direction heuristic result of §4.D.
type Direction string

const (
	DirectionIn      Direction = "IN"
	DirectionOut     Direction = "OUT"
	DirectionUnknown Direction = "UNKNOWN"
)

// DirectionFromReaderID applies the explicit readerID parity heuristic:
// numeric and odd -> IN, numeric and even -> OUT, otherwise UNKNOWN.
func DirectionFromReaderID(readerID string) Direction {
	n, err := strconv.Atoi(readerID)
	if err != nil {
		return DirectionUnknown
	}
	if n%2 != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// Success applies the minor_event_type success heuristic of §4.D.
func Success(minorEventType string) bool {
	return minorEventType == "1"
}
