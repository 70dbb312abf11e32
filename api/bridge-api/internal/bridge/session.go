// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_bridge couples the device's UDP endpoint to one Vapi call:
// the dispatcher demuxes datagrams, the session owns the per-call state, and
// the worker group moves audio in both directions until torn down.
package internal_bridge

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	internal_audio "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio"
)

// MicQueueCapacity bounds the mic backlog. Overflow drops the oldest payload —
// stale audio is worthless in a realtime call, latency is not.
const MicQueueCapacity = 200

// SessionState tracks the lifecycle of one session.
// IDLE is represented by the dispatcher's empty slot, not by a state value.
type SessionState int32

const (
	SessionStarting SessionState = iota // created, transport not yet connected
	SessionRunning                      // socket connected, workers live
	SessionStopping                     // stop latch set, teardown in progress
	SessionEnded                        // workers joined, resources released
)

func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "starting"
	case SessionRunning:
		return "running"
	case SessionStopping:
		return "stopping"
	default:
		return "ended"
	}
}

// monotonicBase anchors activity timestamps to a monotonic origin.
var monotonicBase = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(monotonicBase))
}

// Session binds one device endpoint to one upstream call. The dispatcher is
// the sole mic-queue producer; the mic uplink is the sole consumer. The stop
// latch fires once and is observed by every worker within one loop turn.
type Session struct {
	ID         uint32
	DeviceAddr *net.UDPAddr
	MicFormat  internal_audio.Config

	micQueue chan []byte

	stopOnce sync.Once
	stopped  chan struct{}

	state        atomic.Int32
	seqOut       atomic.Uint32
	lastActivity atomic.Int64
	micDropped   atomic.Uint64
}

// NewSession creates a session in the Starting state with a fresh activity
// timestamp, so the idle watchdog does not fire during call setup.
func NewSession(id uint32, deviceAddr *net.UDPAddr, micFormat internal_audio.Config) *Session {
	s := &Session{
		ID:         id,
		DeviceAddr: deviceAddr,
		MicFormat:  micFormat,
		micQueue:   make(chan []byte, MicQueueCapacity),
		stopped:    make(chan struct{}),
	}
	s.state.Store(int32(SessionStarting))
	s.Touch()
	return s
}

// Stop sets the one-shot stop latch and moves the session to Stopping.
// Idempotent; safe from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(SessionStopping))
		close(s.stopped)
	})
}

// Stopped exposes the stop latch for select loops.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// IsStopped reports whether the stop latch has fired.
func (s *Session) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// markRunning moves Starting → Running. A session already stopping stays
// stopping — no transition leaves Stopping except to Ended.
func (s *Session) markRunning() {
	s.state.CompareAndSwap(int32(SessionStarting), int32(SessionRunning))
}

// Touch records activity now (monotonic).
func (s *Session) Touch() {
	s.lastActivity.Store(monotonicNow())
}

// IdleFor returns how long ago the last activity was recorded.
func (s *Session) IdleFor() time.Duration {
	return time.Duration(monotonicNow() - s.lastActivity.Load())
}

// NextSeq returns the current downlink sequence number and advances it.
// The counter wraps modulo 2³² by construction.
func (s *Session) NextSeq() uint32 {
	return s.seqOut.Add(1) - 1
}

// OfferMic enqueues a mic payload with drop-oldest overflow: on a full queue
// the oldest entry is discarded to make room. The narrow race where the
// consumer drains concurrently is tolerated — at worst the new payload is
// dropped instead.
func (s *Session) OfferMic(payload []byte) {
	select {
	case s.micQueue <- payload:
		return
	default:
	}

	select {
	case <-s.micQueue:
		s.micDropped.Add(1)
	default:
	}
	select {
	case s.micQueue <- payload:
	default:
		s.micDropped.Add(1)
	}
}

// MicDropped reports how many mic payloads overflow has discarded.
func (s *Session) MicDropped() uint64 {
	return s.micDropped.Load()
}

// QueueLen reports the current mic backlog, for the status surface.
func (s *Session) QueueLen() int {
	return len(s.micQueue)
}
