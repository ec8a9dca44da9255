package media

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// silentOpusFrame is a valid 20ms Opus packet that decodes to silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// SilenceSource produces an Opus audio track carrying silence. It has no
// camera, so video requests fail with ErrMediaAcquisition.
type SilenceSource struct{}

func (SilenceSource) Acquire(ctx context.Context, want domain.MediaFlags) (*Stream, error) {
	if !want.Audio && !want.Video {
		return Empty(), nil
	}

	var (
		tracks []webrtc.TrackLocal
		errOut error
		audio  *webrtc.TrackLocalStaticSample
	)
	streamID := "jamroom-" + uuid.NewString()

	if want.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			errOut = fmt.Errorf("%w: audio: %v", domain.ErrMediaAcquisition, err)
		} else {
			audio = t
			tracks = append(tracks, t)
		}
	}
	if want.Video && errOut == nil {
		errOut = fmt.Errorf("%w: no video device", domain.ErrMediaAcquisition)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := NewStream(tracks, cancel)
	if audio != nil {
		go writeSilence(ctx, s, audio)
	}
	return s, errOut
}

func writeSilence(ctx context.Context, s *Stream, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Enabled(domain.MediaAudio) {
				continue
			}
			if err := track.WriteSample(pionmedia.Sample{Data: silentOpusFrame, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "client.media").Msg("write sample")
			}
		}
	}
}
