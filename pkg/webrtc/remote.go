package webrtc

import (
	"strings"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/webchat_calls_go/pkg/audio"
)

// onTrack reports a remote track and starts decoding it if it is Opus audio
func (p *PeerConnection) onTrack(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := remoteTrack.Codec()
	info := RemoteTrackInfo{
		ID:       remoteTrack.ID(),
		StreamID: remoteTrack.StreamID(),
		Kind:     remoteTrack.Kind().String(),
		Codec:    codec.MimeType,
	}
	p.logger.Info("track received",
		"peerID", p.id,
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
		"kind", info.Kind,
	)

	p.mu.Lock()
	cb := p.onRemoteTrack
	p.mu.Unlock()
	if cb != nil {
		cb(info)
	}

	if !p.addReader() {
		return
	}

	if remoteTrack.Kind() == webrtc.RTPCodecTypeAudio && strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		go p.readAndDecodeAudio(remoteTrack, int(codec.Channels))
		return
	}
	// Video is not rendered here; drain it so the receive buffers do not fill
	if remoteTrack.Kind() == webrtc.RTPCodecTypeVideo {
		p.requestKeyframe(remoteTrack)
	}
	go p.drain(remoteTrack)
}

// requestKeyframe sends a PLI so the sender starts with a full frame
func (p *PeerConnection) requestKeyframe(track *webrtc.TrackRemote) {
	err := p.peerConn.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		p.logger.Debug("failed to send PLI", "peerID", p.id, "error", err)
	}
}

func (p *PeerConnection) drain(track *webrtc.TrackRemote) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// readAndDecodeAudio reads RTP packets, decodes Opus to PCM and delivers mono
// samples to the audio callback
func (p *PeerConnection) readAndDecodeAudio(track *webrtc.TrackRemote, channels int) {
	defer p.wg.Done()

	// SDP declares opus/48000/2
	if channels < 1 {
		channels = 2
	}
	decoder, err := opus.NewDecoder(48000, channels)
	if err != nil {
		p.logger.Error("failed to create Opus decoder", "peerID", p.id, "error", err, "channels", channels)
		return
	}

	// max 120 ms at 48 kHz per channel
	pcmBuf := make([]float32, 5760*channels)
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	frameCount := 0

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !p.isClosed() {
				p.logger.Debug("remote audio read stopped", "peerID", p.id, "error", err)
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Debug("failed to parse RTP", "peerID", p.id, "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		samples, err := decoder.DecodeFloat32(pkt.Payload, pcmBuf)
		if err != nil {
			p.logger.Debug("opus decode error", "peerID", p.id, "error", err, "payloadLen", len(pkt.Payload))
			continue
		}
		if samples == 0 {
			continue
		}

		frameCount++
		total := pcmBuf[:samples*channels]
		audio.ClampUnit(total)

		if frameCount <= 5 || frameCount%500 == 0 {
			p.logger.Debug("decoded audio frame", "peerID", p.id, "seq", pkt.SequenceNumber,
				"samplesPerCh", samples, "frameCount", frameCount, "peak", audio.Peak(total))
		}

		p.mu.Lock()
		cb := p.onAudio
		p.mu.Unlock()
		if cb != nil {
			cb(audio.DownmixToMono(pcmBuf, samples, channels))
		}
	}
}
