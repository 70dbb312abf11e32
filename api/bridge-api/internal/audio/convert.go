// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"fmt"
	"math"

	internal_audio_resampler "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio/resampler"
)

// ============================================================================
// Mic → Vapi pipeline
// ============================================================================

// MicToVapiConverter turns raw device microphone PCM into the Vapi transport
// format (s16le mono at the transport rate). The embedded resampler keeps
// filter state for the whole session — recreate the converter only when the
// session restarts, never per chunk.
type MicToVapiConverter struct {
	micFormat Config
	vapiRate  int
	resampler internal_audio_resampler.Resampler
}

// NewMicToVapiConverter validates the mic format and binds a fresh resampler.
func NewMicToVapiConverter(micFormat Config, vapiRate int, resampler internal_audio_resampler.Resampler) (*MicToVapiConverter, error) {
	if err := micFormat.Validate(); err != nil {
		return nil, err
	}
	if vapiRate <= 0 {
		return nil, fmt.Errorf("mic converter: vapi rate %d must be positive", vapiRate)
	}
	return &MicToVapiConverter{
		micFormat: micFormat,
		vapiRate:  vapiRate,
		resampler: resampler,
	}, nil
}

// Convert runs the pipeline: downmix to mono, widen/narrow to 16-bit,
// resample to the transport rate. Empty input yields empty output.
func (c *MicToVapiConverter) Convert(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	width := c.micFormat.SampleWidthBytes()
	if c.micFormat.Channels == 2 {
		data = downmixStereoToMono(data, width)
	}
	if width != 2 {
		data = convertWidthTo16(data, width)
	}
	if c.micFormat.SampleRate != c.vapiRate {
		return c.resampler.Resample(data, c.micFormat.SampleRate, c.vapiRate, 1)
	}
	return data, nil
}

// ============================================================================
// Vapi → device pipeline
// ============================================================================

// VapiToDeviceConverter turns Vapi transport PCM (s16le mono) into the device
// speaker format. Like the mic converter it is stateful for one session.
type VapiToDeviceConverter struct {
	device    Config
	vapiRate  int
	resampler internal_audio_resampler.Resampler
}

// NewVapiToDeviceConverter validates the speaker format and binds a fresh
// resampler.
func NewVapiToDeviceConverter(device Config, vapiRate int, resampler internal_audio_resampler.Resampler) (*VapiToDeviceConverter, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if device.BitsPerSample != 16 {
		return nil, fmt.Errorf("device converter: speaker width %d is not 16-bit", device.BitsPerSample)
	}
	if vapiRate <= 0 {
		return nil, fmt.Errorf("device converter: vapi rate %d must be positive", vapiRate)
	}
	return &VapiToDeviceConverter{
		device:    device,
		vapiRate:  vapiRate,
		resampler: resampler,
	}, nil
}

// Convert resamples to the device rate and upmixes mono → stereo when the
// speaker is two-channel.
func (c *VapiToDeviceConverter) Convert(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if c.device.SampleRate != c.vapiRate {
		resampled, err := c.resampler.Resample(data, c.vapiRate, c.device.SampleRate, 1)
		if err != nil {
			return nil, err
		}
		data = resampled
	}
	if c.device.Channels == 2 {
		data = MonoToStereo(data)
	}
	return data, nil
}

// ============================================================================
// PCM primitives
// ============================================================================

// downmixStereoToMono averages interleaved L/R samples of the given byte
// width with equal weights. Trailing partial frames are dropped.
func downmixStereoToMono(pcm []byte, width int) []byte {
	frameBytes := width * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*width)
	for i := 0; i < frames; i++ {
		left := readSample(pcm[i*frameBytes:], width)
		right := readSample(pcm[i*frameBytes+width:], width)
		writeSample(out[i*width:], (left+right)/2, width)
	}
	return out
}

// convertWidthTo16 rescales signed samples of the given byte width to 16-bit
// with saturation.
func convertWidthTo16(pcm []byte, width int) []byte {
	samples := len(pcm) / width
	out := make([]byte, samples*2)
	shift := uint((width - 2) * 8)
	for i := 0; i < samples; i++ {
		v := readSample(pcm[i*width:], width)
		if width > 2 {
			v >>= shift
		} else {
			v <<= uint((2 - width) * 8)
		}
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

// MonoToStereo duplicates each s16le mono sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// RMS computes the root-mean-square amplitude of s16le PCM. Used as the voice
// activity measure on the mic path.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// readSample reads one signed little-endian sample of the given byte width.
func readSample(b []byte, width int) int64 {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	// Sign-extend from width*8 bits.
	shift := uint(64 - width*8)
	return int64(v<<shift) >> shift
}

// writeSample writes one signed little-endian sample of the given byte width.
func writeSample(b []byte, v int64, width int) {
	for i := 0; i < width; i++ {
		b[i] = byte(uint64(v) >> (8 * uint(i)))
	}
}
