// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_audio holds the PCM format descriptions and the conversion
// pipelines between the device's native audio and the Vapi transport format
// (linear16 mono).
package internal_audio

import (
	"fmt"
)

// Config describes a linear PCM stream: sample rate, sample width and channel
// count. All device and transport audio in the bridge is signed little-endian.
type Config struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// NewLinear16khzMonoConfig is the Vapi transport format: pcm_s16le mono 16kHz.
func NewLinear16khzMonoConfig() Config {
	return Config{SampleRate: 16000, BitsPerSample: 16, Channels: 1}
}

// NewDeviceSpeakerConfig is what the device expects on its speaker path:
// linear16 16kHz stereo.
func NewDeviceSpeakerConfig() Config {
	return Config{SampleRate: 16000, BitsPerSample: 16, Channels: 2}
}

// NewDeviceMicDefaultConfig is the device's default microphone format when a
// "start" control omits it: linear32 48kHz stereo.
func NewDeviceMicDefaultConfig() Config {
	return Config{SampleRate: 48000, BitsPerSample: 32, Channels: 2}
}

// Validate rejects formats the conversion pipeline cannot express.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio config: sample rate %d must be positive", c.SampleRate)
	}
	if c.BitsPerSample <= 0 || c.BitsPerSample%8 != 0 {
		return fmt.Errorf("audio config: bits per sample %d must be a positive multiple of 8", c.BitsPerSample)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("audio config: channels %d must be 1 or 2", c.Channels)
	}
	return nil
}

// SampleWidthBytes is the byte width of one sample of one channel.
func (c Config) SampleWidthBytes() int {
	return c.BitsPerSample / 8
}

// FrameBytes is the byte width of one frame (one sample across all channels).
func (c Config) FrameBytes() int {
	return c.SampleWidthBytes() * c.Channels
}

func (c Config) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", c.SampleRate, c.BitsPerSample, c.Channels)
}
