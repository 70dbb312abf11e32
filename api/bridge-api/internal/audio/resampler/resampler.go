// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_audio_resampler wraps the audio resampling library behind a
// small stateful interface. The filter state persists across calls — feeding a
// stream through in chunks is equivalent to feeding it at once, which is what
// keeps chunked realtime audio free of boundary artifacts.
package internal_audio_resampler

import (
	"fmt"
	"sync"

	audioresampler "github.com/tphakala/go-audio-resampler"

	"github.com/rapidaai/vapi-bridge/pkg/commons"
)

// Resampler converts s16le PCM between sample rates, keeping filter state for
// one stream. Create one per stream per session; do not share across streams.
type Resampler interface {
	// Resample converts s16le PCM from fromRate to toRate. channels is the
	// interleaved channel count of the stream. Equal rates return the input
	// unchanged. Otherwise the first converting call binds the filter state to
	// its (fromRate, toRate, channels) triple, and a later call with a
	// different triple returns an error.
	Resample(pcm []byte, fromRate, toRate, channels int) ([]byte, error)

	// Reset discards the filter state. The next Resample starts a new stream.
	Reset()
}

type streamResampler struct {
	mu     sync.Mutex
	logger commons.Logger

	inner    audioresampler.Resampler
	fromRate int
	toRate   int
	channels int
}

// GetResampler returns a fresh stateful resampler.
func GetResampler(logger commons.Logger) (Resampler, error) {
	return &streamResampler{logger: logger}, nil
}

func (r *streamResampler) Resample(pcm []byte, fromRate, toRate, channels int) ([]byte, error) {
	if fromRate == toRate {
		return pcm, nil
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("resample: odd byte count %d for s16le input", len(pcm))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inner == nil {
		inner, err := audioresampler.NewMultiChannel(float64(fromRate), float64(toRate), channels, audioresampler.QualityMedium)
		if err != nil {
			return nil, fmt.Errorf("resample: init %d→%d: %w", fromRate, toRate, err)
		}
		r.inner = inner
		r.fromRate = fromRate
		r.toRate = toRate
		r.channels = channels
	} else if fromRate != r.fromRate || toRate != r.toRate || channels != r.channels {
		return nil, fmt.Errorf("resample: stream shape changed mid-session (%d→%d ch=%d, was %d→%d ch=%d)",
			fromRate, toRate, channels, r.fromRate, r.toRate, r.channels)
	}

	out, err := r.inner.ProcessFloat32(int16ToFloat32(pcm))
	if err != nil {
		return nil, fmt.Errorf("resample: process: %w", err)
	}
	return float32ToInt16(out), nil
}

func (r *streamResampler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inner != nil {
		r.inner.Reset()
		r.inner = nil
	}
}

// int16ToFloat32 converts interleaved s16le bytes to [-1, 1) float samples.
func int16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out
}

// float32ToInt16 converts float samples back to s16le bytes with clamping.
func float32ToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int32(f * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
