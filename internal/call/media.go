package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"unitynets-realtime/internal/domain/signal"
	unity_errors "unitynets-realtime/pkg/errors"
)

// LocalMedia owns the locally captured tracks for one call. SetAudioEnabled
// and SetVideoEnabled pause and resume capture; a backend stops feeding
// samples for a side while it is disabled. Stop releases the underlying
// devices and must be safe to call more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// MediaDevices acquires microphone (and camera for video calls) fresh per
// call. Acquisition failures wrap ErrMediaUnavailable so the controller can
// surface them distinctly from signaling errors.
type MediaDevices interface {
	AcquireMedia(ctx context.Context, callType signal.CallType) (LocalMedia, error)
}

// PionMediaDevices is the default MediaDevices backed by pion static sample
// tracks. Hardware capture binding (V4L2, malgo) is platform specific and
// plugs in behind the same interface.
type PionMediaDevices struct{}

func NewPionMediaDevices() *PionMediaDevices {
	return &PionMediaDevices{}
}

func (d *PionMediaDevices) AcquireMedia(ctx context.Context, callType signal.CallType) (LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "unitynets-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", unity_errors.ErrMediaUnavailable, err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if callType == signal.CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "unitynets-video",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", unity_errors.ErrMediaUnavailable, err)
		}
		tracks = append(tracks, video)
	}

	return &staticMedia{tracks: tracks, audioOn: true, videoOn: true}, nil
}

type staticMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	audioOn bool
	videoOn bool
}

func (m *staticMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *staticMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioOn = enabled
	m.mu.Unlock()
}

func (m *staticMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoOn = enabled
	m.mu.Unlock()
}

func (m *staticMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

func (m *staticMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *staticMedia) Stop() {}
