// Package normalize maps ISUP access events and ISAPI parsed events into
// the single NormalizedEvent schema the rest of the bridge operates on.
package normalize

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
)

// Source identifies which ingestion path produced a NormalizedEvent.
type Source string

const (
	SourceISUP         Source = "ISUP"
	SourceISAPIWebhook Source = "ISAPI_WEBHOOK"
	SourceISAPIStream  Source = "ISAPI_STREAM"
)

// Event is the canonical internal representation described in §3.
type Event struct {
	Source         Source
	DeviceID       string
	ClientAddr     string
	Timestamp      string
	CardNumber     string
	UserID         string
	Direction      string
	AccessMethod   string
	Success        bool
	DoorID         *int
	ReaderID       *int
	MajorEventType string
	MinorEventType string
	Raw            string
	Images         map[string][]byte
}

// FromISUP maps an isup.AccessEvent from a TCP connection into a
// NormalizedEvent. The raw packet body is preserved as hex for audit.
func FromISUP(evt *isup.AccessEvent, clientAddr string) Event {
	door := int(evt.Door)
	reader := int(evt.Reader)

	return Event{
		Source:       SourceISUP,
		DeviceID:     evt.DeviceID,
		ClientAddr:   clientAddr,
		Timestamp:    evt.Timestamp.Format(time.RFC3339),
		CardNumber:   evt.Card,
		UserID:       formatUserID(evt.UserID),
		Direction:    string(evt.Direction),
		AccessMethod: string(evt.VerifyMode),
		Success:      evt.Success,
		DoorID:       &door,
		ReaderID:     &reader,
		Raw:          hex.EncodeToString(evt.Raw),
		Images:       nil,
	}
}

// FromISAPI maps a parsed isapi.Event into a NormalizedEvent. source
// distinguishes the webhook and alert-stream ingestion paths (both use
// §4.D's parser). ingestedAt is used as the timestamp when the device did
// not supply one.
func FromISAPI(source Source, evt isapi.Event, clientAddr string, ingestedAt time.Time, images map[string][]byte) Event {
	ts := evt.EventDateTime
	if ts == "" {
		ts = ingestedAt.Format(time.RFC3339)
	}

	direction := isapi.DirectionFromReaderID(evt.ReaderID)
	success := isapi.Success(evt.MinorEventType)

	out := Event{
		Source:         source,
		DeviceID:       evt.DeviceKey(),
		ClientAddr:     clientAddr,
		Timestamp:      ts,
		CardNumber:     evt.CardNo,
		UserID:         evt.EmployeeNo,
		Direction:      string(direction),
		AccessMethod:   "UNKNOWN",
		Success:        success,
		MajorEventType: evt.MajorEventType,
		MinorEventType: evt.MinorEventType,
		Raw:            rawText(evt),
	}

	if doorID, ok := parseIntOrNil(evt.DoorID); ok {
		out.DoorID = doorID
	}
	if readerID, ok := parseIntOrNil(evt.ReaderID); ok {
		out.ReaderID = readerID
	}

	if len(evt.PicData) > 0 {
		if out.Images == nil {
			out.Images = make(map[string][]byte)
		}
		out.Images["picData"] = evt.PicData
	}
	for name, data := range images {
		if out.Images == nil {
			out.Images = make(map[string][]byte)
		}
		out.Images[name] = data
	}

	return out
}

// rawText returns the original XML payload the event was parsed from, for
// audit, falling back to the bare event type on the few construction paths
// (mostly tests) that never attached a RawPayload.
func rawText(evt isapi.Event) string {
	if len(evt.RawPayload) > 0 {
		return string(evt.RawPayload)
	}
	return evt.EventType
}

func formatUserID(id uint32) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(int(id))
}

func parseIntOrNil(s string) (*int, bool) {
	if s == "" {
		return nil, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, false
	}
	return &n, true
}
