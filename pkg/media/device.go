//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const deviceMTU = 1200

// DeviceSource captures the local camera and microphone through
// pion/mediadevices. Encoded RTP is re-published on static RTP tracks so that
// muting a track drops its packets instead of tearing the sender down.
type DeviceSource struct {
	logger   *slog.Logger
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the VP8/Opus codec selector used for capture
func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}

	return &DeviceSource{
		logger: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Acquire opens the requested devices. Any failure releases what was opened
// and is reported as ErrDeviceUnavailable.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoConstraints
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	captured, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	streamID := uuid.NewString()
	devTracks := captured.GetTracks()
	tracks := make([]*Track, 0, len(devTracks))
	for _, dev := range devTracks {
		track, err := s.relayTrack(dev, streamID)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			for _, d := range devTracks {
				d.Close()
			}
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		tracks = append(tracks, track)
	}

	s.logger.Info("local media captured", "streamID", streamID, "tracks", len(tracks))
	return NewStream(streamID, tracks...), nil
}

// relayTrack starts an RTP reader on a device track and pumps it into a static
// RTP track while the wrapper is enabled
func (s *DeviceSource) relayTrack(dev mediadevices.Track, streamID string) (*Track, error) {
	kind := KindAudio
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if dev.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s relay track: %w", kind, err)
	}

	reader, err := dev.NewRTPReader(capability.MimeType, 0, deviceMTU)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s reader: %w", kind, err)
	}

	dev.OnEnded(func(err error) {
		if err != nil {
			s.logger.Warn("local device track ended", "kind", kind, "error", err)
		}
	})

	track := NewTrack(kind, local, func() {
		reader.Close()
		dev.Close()
	})

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				if !track.Stopped() && !errors.Is(err, context.Canceled) {
					s.logger.Debug("device reader stopped", "kind", kind, "error", err)
				}
				return
			}
			if track.Enabled() {
				for _, pkt := range pkts {
					if err := local.WriteRTP(pkt); err != nil {
						s.logger.Debug("failed to relay RTP", "kind", kind, "error", err)
					}
				}
			}
			release()
		}
	}()

	return track, nil
}
