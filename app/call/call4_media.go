package call

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"baraza/utils"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// LocalStream owns the local capture for one call. One capture feeds every
// peer link in a group call; the media manager stays the sole releaser.
type LocalStream struct {
	callID   string
	stream   mediadevices.MediaStream
	released atomicBool
}

func (s *LocalStream) CallID() string {
	return s.callID
}

func (s *LocalStream) Tracks() []mediadevices.Track {
	if s.stream == nil {
		return nil
	}
	return s.stream.GetTracks()
}

func (s *LocalStream) Released() bool {
	return s.released.get()
}

// Media acquires and releases the local capture stream.
type Media interface {
	// Acquire opens camera/microphone for one logical call. A second
	// acquire while one is outstanding for the same call fails fast.
	Acquire(callID string, withVideo bool) (*LocalStream, error)
	// Release stops every track. Effective exactly once per stream.
	Release(stream *LocalStream)
}

// MediaManager captures local audio/video through pion/mediadevices with
// VP8 + Opus encoders, and exposes the webrtc API every peer connection
// in a media call must be built from.
type MediaManager struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector

	mu     sync.Mutex
	active map[string]*LocalStream
}

func NewMediaManager() (*MediaManager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("error creating vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("error creating opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &MediaManager{
		api:      api,
		selector: selector,
		active:   make(map[string]*LocalStream),
	}, nil
}

// API returns the engine peer connections carrying this manager's tracks
// must be created from.
func (m *MediaManager) API() *webrtc.API {
	return m.api
}

func (m *MediaManager) Acquire(callID string, withVideo bool) (*LocalStream, error) {
	m.mu.Lock()
	if _, outstanding := m.active[callID]; outstanding {
		m.mu.Unlock()
		return nil, ErrAcquireInProgress
	}
	// reserve the slot while capture runs
	m.active[callID] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.active, callID)
		m.mu.Unlock()
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		release()
		return nil, ErrDeviceNotFound
	}
	for _, d := range devices {
		utils.Log().V(2).Info("media device", "kind", fmt.Sprint(d.Kind), "label", d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only, some cameras expose an MJPEG node that
			// produces frames the VP8 encoder chokes on.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		release()
		return nil, classifyMediaError(err)
	}

	s := &LocalStream{callID: callID, stream: stream}
	m.mu.Lock()
	m.active[callID] = s
	m.mu.Unlock()

	utils.Log().V(1).Info("local media acquired", "call_id", callID, "video", withVideo)
	return s, nil
}

func (m *MediaManager) Release(stream *LocalStream) {
	if stream == nil {
		return
	}
	if !stream.released.set(true) {
		return
	}

	if stream.stream != nil {
		for _, track := range stream.stream.GetTracks() {
			if err := track.Close(); err != nil {
				utils.Log().Error(err, "error stopping local track", "call_id", stream.callID)
			}
		}
	}

	m.mu.Lock()
	delete(m.active, stream.callID)
	m.mu.Unlock()

	utils.Log().V(1).Info("local media released", "call_id", stream.callID)
}

// classifyMediaError maps capture failures onto the call error taxonomy.
// Device errors are terminal and local, they are never sent over signaling.
func classifyMediaError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") || strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	// codec and pipeline errors land here, they are not device problems
	return fmt.Errorf("%w: %v", ErrMediaFailure, err)
}
