// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/vapi-bridge/api/bridge-api/config"
	internal_protocol "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/protocol"
	internal_vapi "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/vapi"
	"github.com/rapidaai/vapi-bridge/pkg/commons"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeSocket is an in-memory FramedSocket: tests push service events and
// inspect what the workers sent.
type fakeSocket struct {
	mu         sync.Mutex
	events     chan internal_vapi.Event
	binarySent [][]byte
	textSent   []string
	closed     bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan internal_vapi.Event, 16)}
}

func (f *fakeSocket) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.binarySent = append(f.binarySent, buf)
	return nil
}

func (f *fakeSocket) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textSent = append(f.textSent, text)
	return nil
}

func (f *fakeSocket) Receive() internal_vapi.Event {
	event, ok := <-f.events
	if !ok {
		return internal_vapi.Event{Kind: internal_vapi.EventClosed}
	}
	return event
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSocket) push(event internal_vapi.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events <- event
	return true
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) sentText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.textSent...)
}

func (f *fakeSocket) sentBinary() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.binarySent...)
}

// socketHub hands a fresh fakeSocket to every session the bridge starts.
type socketHub struct {
	mu      sync.Mutex
	sockets []*fakeSocket
}

func (h *socketHub) connect(ctx context.Context, transport internal_vapi.Transport) (FramedSocket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	socket := newFakeSocket()
	h.sockets = append(h.sockets, socket)
	return socket, nil
}

func (h *socketHub) socket(i int) *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sockets) {
		return nil
	}
	return h.sockets[i]
}

func (h *socketHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// ============================================================================
// Harness
// ============================================================================

type bridgeHarness struct {
	bridge *Bridge
	hub    *socketHub
	client *net.UDPConn // plays the device
	cancel context.CancelFunc
}

func newBridgeHarness(t *testing.T, idleTimeoutS float64) *bridgeHarness {
	t.Helper()

	provisioner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"call-test","transport":{"websocketCallUrl":"wss://fake/call"}}`))
	}))
	t.Cleanup(provisioner.Close)

	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		VapiPrivateAPIKey: "test-key",
		VapiAssistantID:   "asst-test",
		UDPBindHost:       "127.0.0.1",
		UDPPort:           0,
		IdleTimeoutS:      idleTimeoutS,
		VoiceRMSThreshold: 500,
		VapiSampleRate:    16000,
	}

	bridge := New(cfg, logger, internal_vapi.NewClient(logger, "test-key", provisioner.URL))
	hub := &socketHub{}
	bridge.connectSocket = hub.connect

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Start(ctx))
	t.Cleanup(func() {
		_ = bridge.Close(context.Background())
		cancel()
	})

	client, err := net.DialUDP("udp", nil, bridge.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &bridgeHarness{bridge: bridge, hub: hub, client: client, cancel: cancel}
}

// startSession sends a start control announcing a 16k/16/1 mic (identity mic
// pipeline — no resampling) and waits for the session to run.
func (h *bridgeHarness) startSession(t *testing.T, sessionID uint32) *fakeSocket {
	t.Helper()
	socketsBefore := h.hub.count()

	start := `{"type":"start","mic":{"sample_rate":16000,"bits_per_sample":16,"channels":1}}`
	frame := internal_protocol.Encode(internal_protocol.PacketControl, sessionID, 0, []byte(start))
	_, err := h.client.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session := h.bridge.Session()
		return session != nil && session.ID == sessionID && session.State() == SessionRunning
	}, 3*time.Second, 10*time.Millisecond, "session %d should reach running", sessionID)

	socket := h.hub.socket(socketsBefore)
	require.NotNil(t, socket)
	return socket
}

// readPackets collects framed datagrams from the device side until want
// packets of the given type arrived or the deadline passes.
func (h *bridgeHarness) readPackets(t *testing.T, packetType internal_protocol.PacketType, want int, deadline time.Duration) []framedPacket {
	t.Helper()
	var packets []framedPacket
	buf := make([]byte, 2048)
	end := time.Now().Add(deadline)
	for len(packets) < want && time.Now().Before(end) {
		_ = h.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := h.client.Read(buf)
		if err != nil {
			continue
		}
		header, payload, err := internal_protocol.Decode(buf[:n])
		if err != nil || header.PacketType != packetType {
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		packets = append(packets, framedPacket{header: header, payload: data})
	}
	return packets
}

type framedPacket struct {
	header  internal_protocol.Header
	payload []byte
}

func pcmBuffer(samples int, amplitude int16) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// ============================================================================
// Scenarios
// ============================================================================

func TestBridge_DownlinkFragmentation(t *testing.T) {
	h := newBridgeHarness(t, 60)
	socket := h.startSession(t, 7)

	// One service frame of 1600 mono samples (3200 bytes) at 16kHz. The
	// device speaker is stereo, so the bridge emits 6400 bytes over ⌈6400/480⌉
	// = 14 datagrams.
	require.True(t, socket.push(internal_vapi.Event{
		Kind: internal_vapi.EventBinary,
		Data: pcmBuffer(1600, 2000),
	}))

	packets := h.readPackets(t, internal_protocol.PacketSpkAudio, 14, 3*time.Second)
	require.Len(t, packets, 14)

	var total []byte
	for i, packet := range packets {
		assert.Equal(t, uint32(i), packet.header.Seq, "sequence numbers are strictly increasing from 0")
		assert.Equal(t, uint32(7), packet.header.SessionID)
		assert.LessOrEqual(t, internal_protocol.HeaderSize+len(packet.payload), internal_protocol.MaxPacketSize)
		total = append(total, packet.payload...)
	}
	assert.Len(t, total, 6400, "concatenated payloads equal the converted PCM")

	// Stereo upmix: each L/R pair carries the same sample.
	for i := 0; i+3 < len(total); i += 4 {
		assert.Equal(t, total[i:i+2], total[i+2:i+4], "upmix duplicates mono samples")
	}
}

func TestBridge_MicUplink(t *testing.T) {
	h := newBridgeHarness(t, 60)
	socket := h.startSession(t, 7)

	payload := pcmBuffer(160, 3000)
	frame := internal_protocol.Encode(internal_protocol.PacketMicAudio, 7, 1, payload)
	_, err := h.client.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(socket.sentBinary()) >= 1
	}, 3*time.Second, 10*time.Millisecond, "mic audio should reach the service socket")

	// 16k/16/1 mic matches the transport format, so audio passes unchanged.
	assert.Equal(t, payload, socket.sentBinary()[0])
}

func TestBridge_MicAudioGating(t *testing.T) {
	h := newBridgeHarness(t, 60)
	socket := h.startSession(t, 7)

	// Wrong session id: dropped.
	frame := internal_protocol.Encode(internal_protocol.PacketMicAudio, 8, 1, pcmBuffer(160, 3000))
	_, err := h.client.Write(frame)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, socket.sentBinary(), "mic audio for a foreign session id must be dropped")
}

func TestBridge_DeviceStop(t *testing.T) {
	h := newBridgeHarness(t, 60)
	socket := h.startSession(t, 7)

	stop := internal_protocol.Encode(internal_protocol.PacketControl, 7, 0, []byte(`{"type":"stop"}`))
	_, err := h.client.Write(stop)
	require.NoError(t, err)

	endPackets := h.readPackets(t, internal_protocol.PacketControl, 1, 3*time.Second)
	require.Len(t, endPackets, 1, "device should receive an end control")
	assert.JSONEq(t, `{"type":"end"}`, string(endPackets[0].payload))

	assert.Contains(t, socket.sentText(), `{"type":"end-call"}`)
	assert.True(t, socket.isClosed(), "teardown closes the service socket")

	require.Eventually(t, func() bool {
		return h.bridge.Session() == nil
	}, 3*time.Second, 10*time.Millisecond, "slot should clear after teardown")
}

func TestBridge_StopForUnknownSessionIgnored(t *testing.T) {
	h := newBridgeHarness(t, 60)
	h.startSession(t, 7)

	stop := internal_protocol.Encode(internal_protocol.PacketControl, 99, 0, []byte(`{"type":"stop"}`))
	_, err := h.client.Write(stop)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	session := h.bridge.Session()
	require.NotNil(t, session, "a stop for another session id must not tear down the active session")
	assert.Equal(t, uint32(7), session.ID)
}

func TestBridge_Preemption(t *testing.T) {
	h := newBridgeHarness(t, 60)
	firstSocket := h.startSession(t, 7)

	secondSocket := h.startSession(t, 9)
	require.NotSame(t, firstSocket, secondSocket)

	// The prior session is fully torn down: end-call text, socket closed, end
	// control sent to the old device address.
	assert.Contains(t, firstSocket.sentText(), `{"type":"end-call"}`)
	assert.True(t, firstSocket.isClosed())

	session := h.bridge.Session()
	require.NotNil(t, session)
	assert.Equal(t, uint32(9), session.ID)

	// The new session's downlink works after the handover.
	require.True(t, secondSocket.push(internal_vapi.Event{
		Kind: internal_vapi.EventBinary,
		Data: pcmBuffer(240, 1000),
	}))
	packets := h.readPackets(t, internal_protocol.PacketSpkAudio, 1, 3*time.Second)
	require.NotEmpty(t, packets)
	assert.Equal(t, uint32(9), packets[0].header.SessionID)
	assert.Equal(t, uint32(0), packets[0].header.Seq, "sequence counter is per-session")
}

func TestBridge_MalformedFramesDropped(t *testing.T) {
	h := newBridgeHarness(t, 60)
	socket := h.startSession(t, 7)

	before := h.bridge.Stats()

	for _, datagram := range [][]byte{
		make([]byte, 8),  // short
		make([]byte, 16), // zero header: bad magic
		func() []byte { // valid header, unknown packet type
			f := internal_protocol.Encode(internal_protocol.PacketControl, 7, 0, nil)
			f[5] = 99
			return f
		}(),
	} {
		_, err := h.client.Write(datagram)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return h.bridge.Stats().DatagramsDropped >= before.DatagramsDropped+3
	}, 3*time.Second, 10*time.Millisecond)

	session := h.bridge.Session()
	require.NotNil(t, session, "malformed frames must not affect the active session")
	assert.Equal(t, uint32(7), session.ID)
	assert.False(t, socket.isClosed())
}

func TestBridge_IdleTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("idle timeout test sleeps for seconds")
	}
	h := newBridgeHarness(t, 1.5)
	socket := h.startSession(t, 7)

	require.Eventually(t, func() bool {
		return h.bridge.Session() == nil
	}, 5*time.Second, 50*time.Millisecond, "idle session should end shortly after the timeout")
	assert.True(t, socket.isClosed())
}

func TestBridge_SocketClosedLeadsToTeardownViaWatchdog(t *testing.T) {
	if testing.Short() {
		t.Skip("watchdog test sleeps for seconds")
	}
	h := newBridgeHarness(t, 1.5)
	socket := h.startSession(t, 7)

	socket.Close() // service hangs up without a stop control

	require.Eventually(t, func() bool {
		return h.bridge.Session() == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBridge_ProvisionFailureLeavesBridgeIdle(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"nope"}`, http.StatusBadRequest)
	}))
	defer failing.Close()

	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		VapiPrivateAPIKey: "k",
		VapiAssistantID:   "a",
		UDPBindHost:       "127.0.0.1",
		UDPPort:           0,
		IdleTimeoutS:      60,
		VoiceRMSThreshold: 500,
		VapiSampleRate:    16000,
	}
	bridge := New(cfg, logger, internal_vapi.NewClient(logger, "k", failing.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bridge.Start(ctx))
	defer bridge.Close(context.Background())

	client, err := net.DialUDP("udp", nil, bridge.Addr())
	require.NoError(t, err)
	defer client.Close()

	start := internal_protocol.Encode(internal_protocol.PacketControl, 7, 0, []byte(`{"type":"start"}`))
	_, err = client.Write(start)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bridge.Stats().DatagramsReceived >= 1
	}, 3*time.Second, 10*time.Millisecond, "the start datagram should be dispatched")

	time.Sleep(500 * time.Millisecond)
	assert.Nil(t, bridge.Session(), "failed provisioning must leave the bridge idle")
}
