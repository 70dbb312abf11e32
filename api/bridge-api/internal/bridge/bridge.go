// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapidaai/vapi-bridge/api/bridge-api/config"
	internal_audio "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio"
	internal_protocol "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/protocol"
	internal_vapi "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/vapi"
	"github.com/rapidaai/vapi-bridge/pkg/commons"
	"github.com/rapidaai/vapi-bridge/pkg/utils"
)

// sessionJoinBudget bounds how long teardown waits for a worker group before
// cancelling it forcefully.
const sessionJoinBudget = 5 * time.Second

// maxDatagramSize is the receive buffer per datagram. Anything the OS
// delivers up to this size is accepted; the codec rejects short frames.
const maxDatagramSize = 64 * 1024

// Stats is a snapshot of the dispatcher's counters for the status surface.
type Stats struct {
	DatagramsReceived  uint64 `json:"datagrams_received"`
	DatagramsDropped   uint64 `json:"datagrams_dropped"`
	MicPayloadsDropped uint64 `json:"mic_payloads_dropped"`
	SpkPacketsSent     uint64 `json:"spk_packets_sent"`
	OversizedPackets   uint64 `json:"oversized_packets"`
}

// activeSession pairs a session with its worker-group handles.
type activeSession struct {
	session *Session
	cancel  context.CancelFunc // forced cancellation of the worker group
	done    chan struct{}      // closed when the worker group has fully exited
}

// Bridge owns the UDP endpoint and the single session slot. Datagrams are
// demuxed by packet type: control frames drive the session lifecycle, mic
// audio feeds the active session's queue, anything else is dropped.
type Bridge struct {
	cfg    *config.AppConfig
	logger commons.Logger
	vapi   *internal_vapi.Client

	conn *net.UDPConn

	// mu guards the session slot. Slot writes happen from control-handling
	// tasks and from worker-group completion, so unlike the original
	// single-threaded reactor this needs a lock.
	mu     sync.Mutex
	active *activeSession

	// connectSocket is swappable in tests to avoid a live Vapi dependency.
	connectSocket func(ctx context.Context, transport internal_vapi.Transport) (FramedSocket, error)

	datagramsReceived atomic.Uint64
	datagramsDropped  atomic.Uint64
	spkPacketsSent    atomic.Uint64
	oversizedPackets  atomic.Uint64

	closed  atomic.Bool
	started time.Time
}

// New builds a Bridge. Start must be called before datagrams flow.
func New(cfg *config.AppConfig, logger commons.Logger, vapiClient *internal_vapi.Client) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		logger: logger,
		vapi:   vapiClient,
	}
	b.connectSocket = func(ctx context.Context, transport internal_vapi.Transport) (FramedSocket, error) {
		return internal_vapi.Connect(ctx, logger, cfg.VapiPrivateAPIKey, transport)
	}
	return b
}

// Start binds the UDP endpoint and begins dispatching. A bind failure is a
// startup failure — the caller exits non-zero.
func (b *Bridge) Start(ctx context.Context) error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(b.cfg.UDPBindHost),
		Port: b.cfg.UDPPort,
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bridge: bind %s:%d: %w", b.cfg.UDPBindHost, b.cfg.UDPPort, err)
	}
	b.conn = conn
	b.started = time.Now()
	b.logger.Infof("bridge: UDP listening on %s:%d", b.cfg.UDPBindHost, b.cfg.UDPPort)

	utils.Go(ctx, func() { b.readLoop(ctx) })
	return nil
}

// Close tears down the active session (if any) before releasing the UDP
// endpoint, so the device always gets its "end" notice.
func (b *Bridge) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.endSession("shutdown")
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Stats snapshots the dispatcher counters.
func (b *Bridge) Stats() Stats {
	stats := Stats{
		DatagramsReceived: b.datagramsReceived.Load(),
		DatagramsDropped:  b.datagramsDropped.Load(),
		SpkPacketsSent:    b.spkPacketsSent.Load(),
		OversizedPackets:  b.oversizedPackets.Load(),
	}
	if session := b.Session(); session != nil {
		stats.MicPayloadsDropped = session.MicDropped()
	}
	return stats
}

// Session returns the session currently in the slot, or nil.
func (b *Bridge) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	return b.active.session
}

// Addr returns the bound UDP address, or nil before Start.
func (b *Bridge) Addr() *net.UDPAddr {
	if b.conn == nil {
		return nil
	}
	addr, _ := b.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Uptime reports how long the bridge has been dispatching.
func (b *Bridge) Uptime() time.Duration {
	if b.started.IsZero() {
		return 0
	}
	return time.Since(b.started)
}

// ============================================================================
// Dispatch
// ============================================================================

func (b *Bridge) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if b.closed.Load() || ctx.Err() != nil {
				return
			}
			b.logger.Errorf("bridge: UDP read: %v", err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		b.handleDatagram(ctx, data, addr)
	}
}

// handleDatagram decodes and routes one datagram. It never blocks on I/O:
// control handling is spawned as a task, mic audio is offered to the bounded
// queue.
func (b *Bridge) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	b.datagramsReceived.Add(1)

	header, payload, err := internal_protocol.Decode(data)
	if err != nil {
		b.datagramsDropped.Add(1)
		b.logger.Debugf("bridge: dropping UDP from %s: %v", addr, err)
		return
	}

	switch header.PacketType {
	case internal_protocol.PacketControl:
		msg, err := internal_protocol.DecodeControl(payload)
		if err != nil {
			b.datagramsDropped.Add(1)
			b.logger.Debugf("bridge: bad CONTROL JSON from %s: %v", addr, err)
			return
		}
		utils.Go(ctx, func() { b.handleControl(ctx, msg, payload, header.SessionID, addr) })

	case internal_protocol.PacketMicAudio:
		session := b.Session()
		if session == nil || header.SessionID != session.ID || session.IsStopped() {
			b.datagramsDropped.Add(1)
			return
		}
		session.OfferMic(payload)

	default:
		// SPK_AUDIO arriving on the UDP socket: the device never sends this.
		b.datagramsDropped.Add(1)
	}
}

func (b *Bridge) handleControl(ctx context.Context, msg internal_protocol.ControlMessage, raw []byte, sessionID uint32, addr *net.UDPAddr) {
	switch msg.Type {
	case internal_protocol.ControlStart:
		micFormat := internal_audio.NewDeviceMicDefaultConfig()
		if msg.Mic != nil {
			if msg.Mic.SampleRate > 0 {
				micFormat.SampleRate = msg.Mic.SampleRate
			}
			if msg.Mic.BitsPerSample > 0 {
				micFormat.BitsPerSample = msg.Mic.BitsPerSample
			}
			if msg.Mic.Channels > 0 {
				micFormat.Channels = msg.Mic.Channels
			}
		}
		b.startSession(ctx, sessionID, addr, micFormat)

	case internal_protocol.ControlStop:
		session := b.Session()
		if session != nil && session.ID == sessionID {
			b.endSession("device_stop")
		}

	default:
		b.logger.Infof("bridge: CONTROL from %s: %s", addr, excerpt(string(raw)))
	}
}

// ============================================================================
// Session lifecycle
// ============================================================================

// startSession preempts any existing session, installs a new one, and spawns
// its worker group. A start is accepted from any source; the source address
// becomes the session's device address.
func (b *Bridge) startSession(ctx context.Context, sessionID uint32, addr *net.UDPAddr, micFormat internal_audio.Config) {
	b.endSession("restart")

	if err := micFormat.Validate(); err != nil {
		b.logger.Warnf("bridge: rejecting start for session %d: %v", sessionID, err)
		return
	}

	b.logger.Infof("bridge: starting session %d from %s (mic=%s)", sessionID, addr, micFormat)
	session := NewSession(sessionID, addr, micFormat)

	workerCtx, cancel := context.WithCancel(context.Background())
	active := &activeSession{
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.active = active
	b.mu.Unlock()

	utils.Go(ctx, func() {
		defer close(active.done)
		defer b.onSessionDone(active)
		b.runSession(workerCtx, session)
	})
}

// onSessionDone clears the slot when a session ends on its own (idle timeout,
// remote close) so a stale slot never blocks the next start.
func (b *Bridge) onSessionDone(active *activeSession) {
	active.session.setState(SessionEnded)
	b.mu.Lock()
	if b.active == active {
		b.active = nil
	}
	b.mu.Unlock()
}

// endSession initiates teardown of the current session and waits for its
// worker group, cancelling forcefully after the join budget.
func (b *Bridge) endSession(reason string) {
	b.mu.Lock()
	active := b.active
	b.active = nil
	b.mu.Unlock()

	if active == nil {
		return
	}

	b.logger.Infof("bridge: ending session %d (%s)", active.session.ID, reason)
	active.session.Stop()

	select {
	case <-active.done:
	case <-time.After(sessionJoinBudget):
		b.logger.Warnf("bridge: session %d teardown exceeded %s; cancelling workers", active.session.ID, sessionJoinBudget)
		active.cancel()
		<-active.done
	}
	active.cancel()
}

// sendUDP transmits one datagram to the device, best-effort.
func (b *Bridge) sendUDP(packet []byte, addr *net.UDPAddr) {
	if b.conn == nil {
		return
	}
	if _, err := b.conn.WriteToUDP(packet, addr); err != nil {
		b.logger.Debugf("bridge: UDP send to %s: %v", addr, err)
	}
}

func excerpt(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
