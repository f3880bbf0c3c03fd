package multipart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFormDataWithCRLFSeparator(t *testing.T) {
	boundary := "boundary123"
	stream := []byte(
		"--" + boundary + "\r\n" +
			"Content-Type: application/xml\r\n\r\n" +
			"<EventNotificationAlert></EventNotificationAlert>\r\n" +
			"--" + boundary + "\r\n" +
			"Content-Type: image/jpeg\r\n\r\n" +
			"\xff\xd8\xff\xe0binarydata\r\n" +
			"--" + boundary + "--",
	)

	parts := Split(stream, boundary)
	require.Len(t, parts, 2)
	assert.Equal(t, PartXML, parts[0].Type)
	assert.Equal(t, PartImage, parts[1].Type)
	assert.Contains(t, string(parts[0].Body), "EventNotificationAlert")
}

func TestSplitToleratesBareLFSeparator(t *testing.T) {
	boundary := "xyz"
	stream := []byte(
		"--" + boundary + "\n" +
			"Content-Type: application/xml\n\n" +
			"<EventNotificationAlert></EventNotificationAlert>\n" +
			"--" + boundary + "--",
	)

	parts := Split(stream, boundary)
	require.Len(t, parts, 1)
	assert.Equal(t, PartXML, parts[0].Type)
}

func TestSplitDiscardsEmptyBodyFillerParts(t *testing.T) {
	boundary := "b"
	stream := []byte("--" + boundary + "\r\n\r\n--" + boundary + "--")
	parts := Split(stream, boundary)
	assert.Empty(t, parts)
}

func TestSplitWithoutBoundaryYieldsNoParts(t *testing.T) {
	parts := Split([]byte("anything"), "")
	assert.Nil(t, parts)
}

func TestDetectTypeSniffsWithoutContentType(t *testing.T) {
	boundary := "b"
	stream := []byte(
		"--" + boundary + "\r\n\r\n" +
			"{\"key\":\"value\"}\r\n" +
			"--" + boundary + "--",
	)
	parts := Split(stream, boundary)
	require.Len(t, parts, 1)
	assert.Equal(t, PartJSON, parts[0].Type)
}

func TestDetectTypeFallsBackToUnknown(t *testing.T) {
	boundary := "b"
	stream := []byte(
		"--" + boundary + "\r\n\r\n" +
			"plain text body\r\n" +
			"--" + boundary + "--",
	)
	parts := Split(stream, boundary)
	require.Len(t, parts, 1)
	assert.Equal(t, PartUnknown, parts[0].Type)
}

func TestPartContentDispositionHeaderLookup(t *testing.T) {
	p := Part{Headers: map[string]string{"content-disposition": `form-data; name="event_log"`}}
	assert.Contains(t, p.ContentDisposition(), "event_log")
}
