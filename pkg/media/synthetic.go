package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame of digital silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// SyntheticSource produces tracks without touching capture hardware. The audio
// track emits Opus silence while enabled; the video track negotiates VP8 but
// carries no frames. It backs headless clients and tests.
type SyntheticSource struct {
	logger *slog.Logger
	// FailWith, if set, makes Acquire fail with this error (wrapped in
	// ErrDeviceUnavailable) to simulate a denied permission.
	FailWith error
}

// NewSyntheticSource creates a synthetic media source
func NewSyntheticSource(logger *slog.Logger) *SyntheticSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyntheticSource{logger: logger}
}

// Acquire creates one audio track and, if requested, one video track
func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoConstraints
	}
	if s.FailWith != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, s.FailWith)
	}

	streamID := uuid.NewString()
	var tracks []*Track

	if c.Audio {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		track := NewTrack(KindAudio, local, nil)
		go s.pumpSilence(track, local)
		tracks = append(tracks, track)
	}

	if c.Video {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+uuid.NewString(), streamID,
		)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, NewTrack(KindVideo, local, nil))
	}

	s.logger.Debug("synthetic media acquired", "streamID", streamID, "tracks", len(tracks))
	return NewStream(streamID, tracks...), nil
}

// pumpSilence writes Opus silence frames until the track is stopped
func (s *SyntheticSource) pumpSilence(track *Track, local *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
			if !track.Enabled() {
				continue
			}
			if err := local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				s.logger.Debug("failed to write silence sample", "trackID", track.ID(), "error", err)
			}
		}
	}
}
