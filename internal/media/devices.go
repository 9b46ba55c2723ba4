package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PublishableTrack is a Track backed by a webrtc TrackLocal, ready to be
// added to a peer connection.
type PublishableTrack interface {
	Track
	Local() webrtc.TrackLocal
}

// DeviceManager opens real camera/microphone devices via pion/mediadevices.
type DeviceManager struct {
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// NewDeviceManager builds a DeviceManager with VP8 + Opus encoders.
func NewDeviceManager(videoBitRate int, log *zap.Logger) (*DeviceManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if videoBitRate <= 0 {
		videoBitRate = 1_000_000
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &DeviceManager{selector: selector, log: log}, nil
}

// CodecSelector exposes the selector for media engine population.
func (m *DeviceManager) CodecSelector() *mediadevices.CodecSelector { return m.selector }

// Open opens devices for one constraint set. All-or-nothing: on error no
// tracks are left open (GetUserMedia already fails as a unit).
func (m *DeviceManager) Open(req OpenRequest) ([]Track, error) {
	cameraID, micID := req.CameraID, req.MicrophoneID
	needCameras := req.Video && (req.FacingMode != "" || cameraID == "")
	if needCameras || (req.Audio && micID == "") {
		cameras, enumMic := m.enumerate()
		if needCameras {
			cameraID = pickCamera(cameras, req.FacingMode, req.CameraID)
		}
		if micID == "" {
			micID = enumMic
		}
	}
	if req.Video && cameraID == "" {
		return nil, &DeviceError{Kind: FailureNotFound, Err: fmt.Errorf("no camera found")}
	}
	if req.Audio && micID == "" {
		return nil, &DeviceError{Kind: FailureNotFound, Err: fmt.Errorf("no microphone found")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	if req.Video {
		vc := req.Video0
		id := cameraID
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(id)
			// Raw formats only; MJPEG camera nodes can poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: vc.MaxWidth}
			c.Height = prop.IntRanged{Max: vc.MaxHeight}
			c.FrameRate = prop.FloatRanged{Max: vc.MaxFrameRate}
		}
	}
	if req.Audio {
		id := micID
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(id)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				m.log.Warn("local track ended", zap.Error(err))
			}
		})
		deviceID := micID
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
			deviceID = cameraID
		}
		out = append(out, &deviceTrack{track: t, kind: kind, deviceID: deviceID})
	}
	return out, nil
}

// enumerate returns every camera device ID in enumeration order and the
// first available microphone.
func (m *DeviceManager) enumerate() (cameras []string, micID string) {
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			cameras = append(cameras, d.DeviceID)
		case mediadevices.AudioInput:
			if micID == "" {
				micID = d.DeviceID
			}
		}
	}
	return cameras, micID
}

// pickCamera resolves the camera for one open. A facing mode wins over an
// explicit device ID so a camera flip lands on a different device when the
// host has one: user maps to the first enumerated camera, environment to the
// second. With a single camera the one device serves both facings.
func pickCamera(cameras []string, facing, requested string) string {
	if facing == "" {
		if requested != "" {
			return requested
		}
		if len(cameras) > 0 {
			return cameras[0]
		}
		return ""
	}
	if len(cameras) == 0 {
		return requested
	}
	if facing == FacingEnvironment && len(cameras) > 1 {
		return cameras[1]
	}
	return cameras[0]
}

type deviceTrack struct {
	track    mediadevices.Track
	kind     Kind
	deviceID string
}

func (t *deviceTrack) ID() string               { return t.track.ID() }
func (t *deviceTrack) Kind() Kind               { return t.kind }
func (t *deviceTrack) DeviceID() string         { return t.deviceID }
func (t *deviceTrack) Close() error             { return t.track.Close() }
func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }
