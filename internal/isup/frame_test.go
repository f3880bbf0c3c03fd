package isup

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVector(t *testing.T) {
	// With init 0xFFFF and no final XOR, the CRC of the empty string is
	// the initial value itself.
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
	// Changing a single byte must change the checksum.
	a := CRC16([]byte("123456789"))
	b := CRC16([]byte("123456788"))
	assert.NotEqual(t, a, b)
}

func TestFrameMarshalFillsChecksumAndLength(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Command: 1, Sequence: 42}
	copy(header.DeviceID[:], "DEV001")
	f := &Frame{Header: header, Body: []byte("hello")}

	data, err := f.Marshal()
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+len(f.Body), len(data))
	assert.Equal(t, uint16(len(f.Body)), f.Header.DataLength)
	assert.NotZero(t, f.Header.Checksum)
	assert.True(t, f.VerifyCRC())
}

func TestFrameRoundTripThroughReadWrite(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Command: 2, Sequence: 7}
	copy(header.DeviceID[:], "ABC123")
	original := &Frame{Header: header, Body: []byte{0x01, 0x02, 0x03}}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, original))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, original.Header.Sequence, got.Header.Sequence)
	assert.Equal(t, original.Header.DeviceIDString(), got.Header.DeviceIDString())
	assert.Equal(t, original.Body, got.Body)
	assert.True(t, got.VerifyCRC())
}

func TestReadFrameHeartbeatHasNoBody(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Command: 0, Sequence: 1}
	f := &Frame{Header: header}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.True(t, got.IsHeartbeat())
	assert.Empty(t, got.Body)
}

func TestHeaderValidateRejectsBadMarker(t *testing.T) {
	h := &Header{Marker: [2]uint8{'X', 'Y'}}
	assert.Error(t, h.Validate())
}

func TestHeaderDeviceIDStringTrimsNUL(t *testing.T) {
	h := &Header{}
	copy(h.DeviceID[:], "DEV42")
	assert.Equal(t, "DEV42", h.DeviceIDString())
}

func TestReadFrameShortHeaderErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestReadFrameLimitedRejectsOversizedFrame(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Sequence: 1}
	f := &Frame{Header: header, Body: make([]byte, 100)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	_, err := ReadFrameLimited(&buf, HeaderSize+50)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameLimitedAllowsFrameAtExactLimit(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Sequence: 1}
	f := &Frame{Header: header, Body: make([]byte, 50)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrameLimited(&buf, HeaderSize+50)
	require.NoError(t, err)
	assert.Len(t, got.Body, 50)
}

func TestReadFrameLimitedZeroDisablesCheck(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Sequence: 1}
	f := &Frame{Header: header, Body: make([]byte, 1000)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrameLimited(&buf, 0)
	require.NoError(t, err)
	assert.Len(t, got.Body, 1000)
}

func TestVerifyCRCDetectsTamperedBody(t *testing.T) {
	header := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Version: 1, Sequence: 1}
	f := &Frame{Header: header, Body: []byte("payload")}
	_, err := f.Marshal()
	require.NoError(t, err)

	f.Body[0] ^= 0xFF
	assert.False(t, f.VerifyCRC())
}
