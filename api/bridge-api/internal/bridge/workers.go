// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio"
	internal_audio_resampler "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/audio/resampler"
	internal_protocol "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/protocol"
	internal_vapi "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/vapi"
)

// micDequeueTimeout is how long the uplink waits for mic audio before taking
// another turn of its loop.
const micDequeueTimeout = 500 * time.Millisecond

// watchdogInterval is the idle watchdog's wake-up period.
const watchdogInterval = time.Second

// FramedSocket is the call transport consumed by the worker group. Satisfied
// by *internal_vapi.Socket; tests substitute an in-memory fake.
type FramedSocket interface {
	SendBinary(data []byte) error
	SendText(text string) error
	Receive() internal_vapi.Event
	Close() error
}

// runSession provisions the call, connects the transport and runs the worker
// group until the stop latch fires, then tears everything down in order:
// end-call text, socket close, worker join, "end" control to the device.
func (b *Bridge) runSession(ctx context.Context, session *Session) {
	micResampler, err := internal_audio_resampler.GetResampler(b.logger)
	if err != nil {
		b.logger.Errorf("bridge: session %d: resampler init: %v", session.ID, err)
		session.Stop()
		return
	}
	spkResampler, err := internal_audio_resampler.GetResampler(b.logger)
	if err != nil {
		b.logger.Errorf("bridge: session %d: resampler init: %v", session.ID, err)
		session.Stop()
		return
	}
	defer micResampler.Reset()
	defer spkResampler.Reset()

	micConverter, err := internal_audio.NewMicToVapiConverter(session.MicFormat, b.cfg.VapiSampleRate, micResampler)
	if err != nil {
		b.logger.Errorf("bridge: session %d: mic converter: %v", session.ID, err)
		session.Stop()
		return
	}
	spkConverter, err := internal_audio.NewVapiToDeviceConverter(internal_audio.NewDeviceSpeakerConfig(), b.cfg.VapiSampleRate, spkResampler)
	if err != nil {
		b.logger.Errorf("bridge: session %d: speaker converter: %v", session.ID, err)
		session.Stop()
		return
	}

	transport, err := b.vapi.CreateCall(ctx, b.cfg.VapiAssistantID, b.cfg.VapiSampleRate)
	if err != nil {
		// The start attempt is aborted; the bridge stays idle for the next one.
		b.logger.Errorf("bridge: session %d: provisioning failed: %v", session.ID, err)
		session.Stop()
		return
	}
	socket, err := b.connectSocket(ctx, transport)
	if err != nil {
		b.logger.Errorf("bridge: session %d: transport connect failed: %v", session.ID, err)
		session.Stop()
		return
	}

	session.markRunning()
	b.logger.Infof("bridge: session %d running", session.ID)

	var group errgroup.Group
	group.Go(func() error {
		defer b.recoverWorker(session, "mic-uplink")
		b.micUplink(ctx, session, socket, micConverter)
		return nil
	})
	group.Go(func() error {
		defer b.recoverWorker(session, "service-downlink")
		b.serviceDownlink(ctx, session, socket, spkConverter)
		return nil
	})
	group.Go(func() error {
		defer b.recoverWorker(session, "idle-watchdog")
		b.idleWatchdog(ctx, session)
		return nil
	})

	// Anchor: wait for the stop latch (or forced cancellation), then run the
	// teardown sequence. Every step is best-effort — a partial failure must
	// not prevent the next step.
	select {
	case <-session.Stopped():
	case <-ctx.Done():
		session.Stop()
	}

	if err := socket.SendText(`{"type":"end-call"}`); err != nil {
		b.logger.Debugf("bridge: session %d: end-call send: %v", session.ID, err)
	}
	if err := socket.Close(); err != nil {
		b.logger.Debugf("bridge: session %d: socket close: %v", session.ID, err)
	}

	_ = group.Wait()

	endPacket, err := internal_protocol.EncodeControl(
		internal_protocol.ControlMessage{Type: internal_protocol.ControlEnd}, session.ID, 0)
	if err == nil {
		b.sendUDP(endPacket, session.DeviceAddr)
	}
	b.logger.Infof("bridge: session %d ended", session.ID)
}

// recoverWorker contains a worker panic: log with stack, stop the session.
// A worker failure never reaches the dispatcher.
func (b *Bridge) recoverWorker(session *Session, name string) {
	if r := recover(); r != nil {
		b.logger.Errorf("bridge: session %d: %s worker panic: %v\n%s", session.ID, name, r, debug.Stack())
		session.Stop()
	}
}

// ============================================================================
// Workers
// ============================================================================

// micUplink drains the mic queue, converts to the transport format and writes
// binary frames. A converted buffer whose RMS clears the voice threshold
// counts as activity.
func (b *Bridge) micUplink(ctx context.Context, session *Session, socket FramedSocket, converter *internal_audio.MicToVapiConverter) {
	threshold := float64(b.cfg.VoiceRMSThreshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Stopped():
			return
		case payload := <-session.micQueue:
			converted, err := converter.Convert(payload)
			if err != nil {
				b.logger.Warnf("bridge: session %d: mic convert: %v", session.ID, err)
				continue
			}
			if len(converted) == 0 {
				continue
			}
			if internal_audio.RMS(converted) >= threshold {
				session.Touch()
			}
			if err := socket.SendBinary(converted); err != nil {
				b.logger.Warnf("bridge: session %d: uplink send: %v", session.ID, err)
				session.Stop()
				return
			}
		case <-time.After(micDequeueTimeout):
			// Re-check the stop latch even when the queue stays empty.
		}
	}
}

// serviceDownlink receives service events: binary PCM is converted, chunked
// and framed to the device; text is out-of-band and logged. On Closed or
// Error the worker exits and leaves teardown to the watchdog or anchor.
func (b *Bridge) serviceDownlink(ctx context.Context, session *Session, socket FramedSocket, converter *internal_audio.VapiToDeviceConverter) {
	for {
		if session.IsStopped() || ctx.Err() != nil {
			return
		}
		event := socket.Receive()
		switch event.Kind {
		case internal_vapi.EventBinary:
			session.Touch()
			pcm, err := converter.Convert(event.Data)
			if err != nil {
				b.logger.Warnf("bridge: session %d: speaker convert: %v", session.ID, err)
				continue
			}
			b.sendSpeakerAudio(session, pcm)
		case internal_vapi.EventText:
			b.logger.Infof("bridge: vapi: %s", excerpt(event.Text))
		case internal_vapi.EventClosed:
			b.logger.Infof("bridge: session %d: transport closed", session.ID)
			return
		case internal_vapi.EventError:
			if !session.IsStopped() {
				b.logger.Warnf("bridge: session %d: transport receive: %v", session.ID, event.Err)
			}
			return
		}
	}
}

// sendSpeakerAudio splits converted PCM into payloads of at most
// MaxPayloadSize and frames each as SPK_AUDIO with the next sequence number.
// The oversize guard is unreachable with that chunking; it is kept as an
// assertion with a counter.
func (b *Bridge) sendSpeakerAudio(session *Session, pcm []byte) {
	for offset := 0; offset < len(pcm); offset += internal_protocol.MaxPayloadSize {
		end := offset + internal_protocol.MaxPayloadSize
		if end > len(pcm) {
			end = len(pcm)
		}
		packet := internal_protocol.Encode(internal_protocol.PacketSpkAudio, session.ID, session.NextSeq(), pcm[offset:end])
		if len(packet) > internal_protocol.MaxPacketSize {
			b.oversizedPackets.Add(1)
			b.logger.Warnf("bridge: session %d: downlink packet too large (%d bytes); truncating", session.ID, len(packet))
			packet = packet[:internal_protocol.MaxPacketSize]
		}
		b.sendUDP(packet, session.DeviceAddr)
		b.spkPacketsSent.Add(1)
	}
}

// idleWatchdog stops the session once no voice or service audio has been seen
// for the configured idle budget.
func (b *Bridge) idleWatchdog(ctx context.Context, session *Session) {
	idleTimeout := b.cfg.IdleTimeout()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Stopped():
			return
		case <-ticker.C:
			if session.IdleFor() > idleTimeout {
				b.logger.Infof("bridge: session %d idle timeout", session.ID)
				session.Stop()
				return
			}
		}
	}
}
