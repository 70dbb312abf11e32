// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_protocol implements the fixed-header UDP framing spoken by
// the embedded device: a 16-byte big-endian header followed by the payload.
package internal_protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Header layout:
// [magic(4) | version(1) | type(1) | reserved(2) | sessionID(4) | seq(4)]
const (
	HeaderSize = 16
	Version    = 1

	// MaxPacketSize is the largest datagram the bridge ever produces. It must
	// match the device firmware's UDP receive buffer.
	MaxPacketSize = 508

	// MaxPayloadSize leaves room for the header plus future growth.
	MaxPayloadSize = 480
)

// Magic identifies a bridge datagram.
var Magic = [4]byte{'V', 'A', 'P', 'B'}

// PacketType discriminates the payload of a datagram.
type PacketType uint8

const (
	PacketMicAudio PacketType = 1 // device → bridge, raw mic PCM
	PacketSpkAudio PacketType = 2 // bridge → device, speaker PCM
	PacketControl  PacketType = 3 // either direction, UTF-8 JSON
)

func (p PacketType) String() string {
	switch p {
	case PacketMicAudio:
		return "MIC_AUDIO"
	case PacketSpkAudio:
		return "SPK_AUDIO"
	case PacketControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

func (p PacketType) valid() bool {
	return p == PacketMicAudio || p == PacketSpkAudio || p == PacketControl
}

// ErrBadFrame marks datagrams that do not parse as a bridge frame. The
// dispatcher drops them without replying.
var ErrBadFrame = errors.New("bad frame")

// ErrBadControl marks CONTROL payloads that are not valid JSON.
var ErrBadControl = errors.New("bad control payload")

// Header is the decoded fixed header of a datagram.
type Header struct {
	PacketType PacketType
	SessionID  uint32
	Seq        uint32
}

// Encode frames payload with a header. The reserved bytes are zero on send.
func Encode(packetType PacketType, sessionID uint32, seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = byte(packetType)
	// buf[6:8] reserved, zero
	binary.BigEndian.PutUint32(buf[8:12], sessionID)
	binary.BigEndian.PutUint32(buf[12:16], seq)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a datagram into its header and payload. The reserved bytes are
// ignored. The payload aliases data; callers that retain it past the next read
// must copy.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrBadFrame, len(data), HeaderSize)
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return Header{}, nil, fmt.Errorf("%w: bad magic %q", ErrBadFrame, data[0:4])
	}
	if data[4] != Version {
		return Header{}, nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, data[4])
	}
	packetType := PacketType(data[5])
	if !packetType.valid() {
		return Header{}, nil, fmt.Errorf("%w: unknown packet type %d", ErrBadFrame, data[5])
	}
	header := Header{
		PacketType: packetType,
		SessionID:  binary.BigEndian.Uint32(data[8:12]),
		Seq:        binary.BigEndian.Uint32(data[12:16]),
	}
	return header, data[HeaderSize:], nil
}

// ControlMessage is the JSON body of a CONTROL frame. Only Type is required;
// Mic is present on "start".
type ControlMessage struct {
	Type string     `json:"type"`
	Mic  *MicParams `json:"mic,omitempty"`
}

// MicParams describes the device microphone format announced in "start".
// Zero fields fall back to the device defaults (48000/32/2).
type MicParams struct {
	SampleRate    int `json:"sample_rate"`
	BitsPerSample int `json:"bits_per_sample"`
	Channels      int `json:"channels"`
}

// Control message types on the wire.
const (
	ControlStart = "start" // device → bridge
	ControlStop  = "stop"  // device → bridge
	ControlEnd   = "end"   // bridge → device
)

// EncodeControl serializes v as compact JSON and wraps it in a CONTROL frame.
// HTML escaping is disabled so the payload matches the device's parser exactly.
func EncodeControl(v any, sessionID uint32, seq uint32) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return Encode(PacketControl, sessionID, seq, payload), nil
}

// DecodeControl parses a CONTROL payload. Unknown Type values are returned to
// the caller; only malformed JSON is an error.
func DecodeControl(payload []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrBadControl, err)
	}
	return msg, nil
}
