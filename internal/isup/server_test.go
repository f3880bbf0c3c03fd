package isup

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingDispatcher struct {
	mu     sync.Mutex
	events []*AccessEvent
	addrs  []string
}

func (d *capturingDispatcher) Dispatch(evt *AccessEvent, remoteAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	d.addrs = append(d.addrs, remoteAddr)
}

func (d *capturingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func buildAccessEventFrame(seq uint32) *Frame {
	body := validAccessBody()
	binary.BigEndian.PutUint32(body[4:8], seq)
	h := &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Sequence: seq}
	copy(h.DeviceID[:], "DEV001")
	return &Frame{Header: h, Body: body}
}

func TestServerAcceptsConnectionAndAcksEvent(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	logger := log.New(os.Stderr, "[ISUP-TEST] ", log.LstdFlags)
	server := NewServer(Config{Addr: "127.0.0.1:0", IdleTimeout: time.Second, StrictCRC: false}, dispatcher, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				server.mu.Lock()
				l := server.listener
				server.mu.Unlock()
				if l != nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		_ = server.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never started listening")
	}

	conn, err := net.Dial("tcp", server.addr)
	require.NoError(t, err)
	defer conn.Close()

	frame := buildAccessEventFrame(1)
	require.NoError(t, WriteFrame(conn, frame))

	ack, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ack.Header.Sequence)
	assert.Equal(t, "OK", string(ack.Body[0:2]))

	assert.Eventually(t, func() bool { return dispatcher.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerClosesConnectionOnOversizedFrame(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	logger := log.New(os.Stderr, "[ISUP-TEST] ", log.LstdFlags)
	server := NewServer(Config{Addr: "127.0.0.1:0", IdleTimeout: time.Second, MaxFrameBytes: HeaderSize + 10}, dispatcher, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ListenAndServe(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", server.addr)
	require.NoError(t, err)
	defer conn.Close()

	oversized := buildAccessEventFrame(1)
	require.NoError(t, WriteFrame(conn, oversized))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "server should close the connection instead of acking an oversized frame")
	assert.Equal(t, 0, dispatcher.count())
}

func TestServerHeartbeatGetsEmptyAck(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	logger := log.New(os.Stderr, "[ISUP-TEST] ", log.LstdFlags)
	server := NewServer(Config{Addr: "127.0.0.1:0", IdleTimeout: time.Second}, dispatcher, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ListenAndServe(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", server.addr)
	require.NoError(t, err)
	defer conn.Close()

	heartbeat := &Frame{Header: &Header{Marker: [2]uint8{MarkerByte1, MarkerByte2}, Sequence: 9}}
	require.NoError(t, WriteFrame(conn, heartbeat))

	ack, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.True(t, ack.IsHeartbeat())
	assert.Equal(t, 0, dispatcher.count())
}
