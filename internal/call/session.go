package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/pkg/logger"
)

// SessionCallbacks are invoked from pion's internal goroutines; the
// controller turns them into queued events rather than mutating state
// directly.
type SessionCallbacks struct {
	OnLocalCandidate        func(signal.ICECandidate)
	OnRemoteTrack           func(*webrtc.TrackRemote)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

// Session owns the lifetime of one real-time audio/video connection: the
// peer connection, the local media, the buffer of ICE candidates that arrive
// before the remote description is set, and the running duration counter.
type Session struct {
	pc    *webrtc.PeerConnection
	media LocalMedia
	log   *logger.Logger

	mu        sync.Mutex
	pending   []signal.ICECandidate
	remoteSet bool
	closed    bool
	audioOn   bool
	videoOn   bool

	durMu     sync.Mutex
	seconds   int64
	timerStop chan struct{}
}

// NewSession configures a peer connection against the given STUN servers and
// attaches the local tracks. No TURN relay is configured; clients behind
// symmetric NAT are a known limitation.
func NewSession(stunServers []string, media LocalMedia, cb SessionCallbacks, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var cfg webrtc.Configuration
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		pc:      pc,
		media:   media,
		log:     log,
		audioOn: true,
		videoOn: true,
	}

	for _, track := range media.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			media.Stop()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		out := signal.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb.OnLocalCandidate(out)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			s.startDurationCounter()
		}
		if cb.OnConnectionStateChange != nil {
			cb.OnConnectionStateChange(state)
		}
	})

	return s, nil
}

// CreateOffer generates the local offer and applies it as the local
// description. Local tracks are already attached by the constructor.
func (s *Session) CreateOffer() (signal.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer generates the local answer. Must be called after
// ApplyRemoteDescription has installed the remote offer.
func (s *Session) CreateAnswer() (signal.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyRemoteDescription installs the remote offer/answer and flushes every
// candidate buffered while it was missing, in arrival order. A single bad
// candidate is logged and skipped, never fatal.
func (s *Session) ApplyRemoteDescription(desc signal.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range buffered {
		s.applyCandidate(c)
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, buffering it if the remote
// description has not been set yet.
func (s *Session) AddRemoteCandidate(c signal.ICECandidate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.applyCandidate(c)
}

func (s *Session) applyCandidate(c signal.ICECandidate) {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err != nil {
		s.log.Warnf("call: skipping bad ICE candidate: %v", err)
	}
}

// ToggleAudio flips local audio on/off and pushes the new state to the media
// layer so capture pauses while muted. Returns the new muted state
// (true = muted). Local only, never touches the signal channel.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on := s.audioOn
	s.mu.Unlock()
	s.media.SetAudioEnabled(on)
	return !on
}

// ToggleVideo flips local video on/off the same way. Returns the new
// disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on := s.videoOn
	s.mu.Unlock()
	s.media.SetVideoEnabled(on)
	return !on
}

func (s *Session) startDurationCounter() {
	s.durMu.Lock()
	defer s.durMu.Unlock()
	if s.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	s.timerStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.durMu.Lock()
				s.seconds++
				s.durMu.Unlock()
			}
		}
	}()
}

// Duration returns how long the connection has been in the connected state.
func (s *Session) Duration() time.Duration {
	s.durMu.Lock()
	defer s.durMu.Unlock()
	return time.Duration(s.seconds) * time.Second
}

// Teardown stops local media, closes the connection, and clears the duration
// counter. Idempotent; every exit path of the controller runs through here.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.durMu.Lock()
	if s.timerStop != nil {
		close(s.timerStop)
		s.timerStop = nil
	}
	s.durMu.Unlock()

	s.media.Stop()
	if err := s.pc.Close(); err != nil {
		s.log.Warnf("call: peer connection close: %v", err)
	}
}

// Closed reports whether Teardown has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) String() string {
	return fmt.Sprintf("session(closed=%v)", s.Closed())
}
