// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/vapi-bridge/pkg/commons"
	"github.com/rapidaai/vapi-bridge/pkg/utils"
)

const (
	handshakeTimeout  = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// ============================================================================
// Events
// ============================================================================

// EventKind tags what a Receive call produced.
type EventKind int

const (
	EventBinary EventKind = iota // one contiguous block of PCM samples
	EventText                    // out-of-band JSON from the service
	EventClosed                  // the peer closed, or we closed locally
	EventError                   // receive failed
)

// Event is one framed message (or terminal condition) from the socket.
// Message boundaries are preserved: one service frame, one event.
type Event struct {
	Kind EventKind
	Data []byte // EventBinary
	Text string // EventText
	Err  error  // EventError
}

// ============================================================================
// Socket
// ============================================================================

// Socket is the framed realtime transport of one call. It is safe for one
// reader plus concurrent writers (sends are serialized internally). Close is
// idempotent and best-effort.
type Socket struct {
	logger commons.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the call transport and starts the application heartbeat.
// Inbound message size is left unlimited — service audio frames can be large.
func Connect(ctx context.Context, logger commons.Logger, apiKey string, transport Transport) (*Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	headers := http.Header{}
	headers.Set("authorization", "Bearer "+apiKey)

	conn, _, err := dialer.DialContext(ctx, transport.WebsocketCallURL, headers)
	if err != nil {
		return nil, fmt.Errorf("vapi: websocket dial: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		logger.Debug("vapi: pong")
		return nil
	})

	s := &Socket{
		logger: logger,
		conn:   conn,
		done:   make(chan struct{}),
	}
	utils.Go(ctx, s.heartbeat)
	return s, nil
}

// heartbeat pings the service every heartbeatInterval until the socket closes.
// The control-frame write shares the writer lock with data sends.
func (s *Socket) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debugf("vapi: heartbeat ping failed: %v", err)
				return
			}
		}
	}
}

// SendBinary writes one binary frame.
func (s *Socket) SendBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("vapi: websocket binary send: %w", err)
	}
	return nil
}

// SendText writes one text frame.
func (s *Socket) SendText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("vapi: websocket text send: %w", err)
	}
	return nil
}

// Receive blocks for the next data frame. Control frames (ping/pong/close
// handshake) are handled inside the websocket library. After Closed every
// further call returns Closed; after Error further calls return the same
// read error until Close is called, and Closed from then on.
func (s *Socket) Receive() Event {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.isClosed() ||
			websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
			errors.Is(err, net.ErrClosed) {
			return Event{Kind: EventClosed}
		}
		return Event{Kind: EventError, Err: err}
	}
	switch messageType {
	case websocket.BinaryMessage:
		return Event{Kind: EventBinary, Data: data}
	case websocket.TextMessage:
		return Event{Kind: EventText, Text: string(data)}
	default:
		// Unreached: ReadMessage only surfaces data frames.
		return Event{Kind: EventError, Err: fmt.Errorf("vapi: unexpected message type %d", messageType)}
	}
}

// Close sends a close frame best-effort and tears the connection down. Safe to
// call from any goroutine, any number of times.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
