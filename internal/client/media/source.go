// Package media models local capture: acquiring a device yields a Handle
// carrying local tracks, and releasing it must stop the device immediately.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Source acquires the local camera/microphone. Acquisition may suspend on a
// permission prompt and may fail with domain.ErrPermissionDenied or
// domain.ErrMediaUnavailable.
type Source interface {
	Acquire(ctx context.Context) (*Handle, error)
}

// Handle owns the local tracks and the goroutines feeding them. Release is
// explicit and immediate; nothing here relies on garbage collection to free
// the device.
type Handle struct {
	tracks []webrtc.TrackLocal

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	releaseOnce sync.Once
	released    atomic.Bool
}

func (h *Handle) Tracks() []webrtc.TrackLocal {
	return h.tracks
}

// Release stops the feeders and waits for them to exit. Idempotent.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.released.Store(true)
	})
}

// Released reports whether the device has been given back.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// SyntheticSource stands in for a capture device on headless hosts: one VP8
// video track and one Opus audio track fed with generated samples.
type SyntheticSource struct {
	// FrameInterval is the video sample pacing; 33ms when zero.
	FrameInterval time.Duration
}

const syntheticStreamID = "roomcast"

func (s *SyntheticSource) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", syntheticStreamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", syntheticStreamID)
	if err != nil {
		return nil, err
	}

	interval := s.FrameInterval
	if interval == 0 {
		interval = 33 * time.Millisecond
	}

	// The handle's lifetime is bound to Release, not to the acquire ctx.
	feedCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		tracks: []webrtc.TrackLocal{video, audio},
		cancel: cancel,
	}

	h.wg.Add(2)
	go h.feed(feedCtx, video, interval, 1200)
	go h.feed(feedCtx, audio, 20*time.Millisecond, 120)

	log.Debug().Str("module", "client.media").Msg("synthetic source acquired")
	return h, nil
}

func (h *Handle) feed(ctx context.Context, track *webrtc.TrackLocalStaticSample, interval time.Duration, size int) {
	defer h.wg.Done()

	rnd := randutil.NewMathRandomGenerator()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := randutil.GenerateCryptoRandomString(size/2+rnd.Intn(size/2), "abcdefghijklmnopqrstuvwxyz0123456789")
			if err != nil {
				continue
			}
			sample := pionmedia.Sample{Data: []byte(payload), Duration: interval}
			if err := track.WriteSample(sample); err != nil {
				log.Debug().Err(err).Str("module", "client.media").Msg("write sample")
			}
		}
	}
}
