// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	internal_audio "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio"
)

func newTestSession(id uint32) *Session {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	return NewSession(id, addr, internal_audio.NewDeviceMicDefaultConfig())
}

// ============================================================================
// Stop latch & state machine
// ============================================================================

func TestSession_InitialState(t *testing.T) {
	session := newTestSession(7)
	assert.Equal(t, SessionStarting, session.State())
	assert.False(t, session.IsStopped())
	assert.Less(t, session.IdleFor(), time.Second, "a new session starts with fresh activity")
}

func TestSession_StopIsIdempotent(t *testing.T) {
	session := newTestSession(7)
	session.Stop()
	session.Stop()
	assert.True(t, session.IsStopped())
	assert.Equal(t, SessionStopping, session.State())

	select {
	case <-session.Stopped():
	default:
		t.Fatal("stop latch should be observable via the channel")
	}
}

func TestSession_NoTransitionLeavesStopping(t *testing.T) {
	session := newTestSession(7)
	session.Stop()
	session.markRunning()
	assert.Equal(t, SessionStopping, session.State(), "markRunning must not override Stopping")

	session.setState(SessionEnded)
	assert.Equal(t, SessionEnded, session.State())
}

func TestSession_MarkRunning(t *testing.T) {
	session := newTestSession(7)
	session.markRunning()
	assert.Equal(t, SessionRunning, session.State())
}

// ============================================================================
// Sequence counter
// ============================================================================

func TestSession_NextSeqStartsAtZeroAndIncrements(t *testing.T) {
	session := newTestSession(7)
	for want := uint32(0); want < 10; want++ {
		assert.Equal(t, want, session.NextSeq())
	}
}

func TestSession_NextSeqWrapsAround(t *testing.T) {
	session := newTestSession(7)
	session.seqOut.Store(^uint32(0)) // 2³²-1
	assert.Equal(t, ^uint32(0), session.NextSeq())
	assert.Equal(t, uint32(0), session.NextSeq(), "sequence wraps modulo 2³²")
}

// ============================================================================
// Mic queue backpressure
// ============================================================================

func TestSession_OfferMic_DropOldest(t *testing.T) {
	session := newTestSession(7)

	for i := 0; i < 500; i++ {
		session.OfferMic([]byte(fmt.Sprintf("payload-%d", i)))
	}

	assert.Equal(t, MicQueueCapacity, session.QueueLen(), "queue never exceeds capacity")
	assert.Equal(t, uint64(300), session.MicDropped())

	// The retained payloads are exactly the last 200 received, in order.
	for i := 300; i < 500; i++ {
		payload := <-session.micQueue
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(payload))
	}
}

func TestSession_OfferMic_NewestAlwaysRetained(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		session := newTestSession(1)
		n := rapid.IntRange(1, 600).Draw(t, "n")
		for i := 0; i < n; i++ {
			session.OfferMic([]byte{byte(i), byte(i >> 8)})
		}

		queued := session.QueueLen()
		assert.LessOrEqual(t, queued, MicQueueCapacity)

		var last []byte
		for i := 0; i < queued; i++ {
			last = <-session.micQueue
		}
		require.NotNil(t, last)
		assert.Equal(t, []byte{byte(n - 1), byte((n - 1) >> 8)}, last,
			"the most recently enqueued payload is always retained")
	})
}

// ============================================================================
// Activity tracking
// ============================================================================

func TestSession_TouchResetsIdle(t *testing.T) {
	session := newTestSession(7)
	session.lastActivity.Store(monotonicNow() - int64(10*time.Second))
	assert.GreaterOrEqual(t, session.IdleFor(), 10*time.Second)

	session.Touch()
	assert.Less(t, session.IdleFor(), time.Second)
}
