package media

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VideoConstraints is one quality level of the fallback ladder.
type VideoConstraints struct {
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate float32
}

// VideoLadder is tried in order; each level falls through to the next on
// failure. Exhausting the ladder is a terminal error.
var VideoLadder = []VideoConstraints{
	{MaxWidth: 1280, MaxHeight: 720, MaxFrameRate: 30},
	{MaxWidth: 640, MaxHeight: 480, MaxFrameRate: 24},
	{MaxWidth: 320, MaxHeight: 240, MaxFrameRate: 15},
}

// OpenRequest is a single attempt against the device layer.
type OpenRequest struct {
	Audio        bool
	Video        bool
	Video0       VideoConstraints // ignored when Video is false
	FacingMode   string
	CameraID     string
	MicrophoneID string
}

// DeviceOpener opens local devices for one constraint set. Implementations
// must return all-or-nothing: on error no tracks are held open.
type DeviceOpener interface {
	Open(req OpenRequest) ([]Track, error)
}

// Acquirer walks the quality ladder over a DeviceOpener.
type Acquirer struct {
	opener DeviceOpener
	log    *zap.Logger
}

// NewAcquirer creates an Acquirer. A nil logger is replaced with a no-op.
func NewAcquirer(opener DeviceOpener, log *zap.Logger) *Acquirer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Acquirer{opener: opener, log: log}
}

// Acquire requests local tracks. Video attempts walk VideoLadder from the top;
// the first level that opens wins. Audio-only requests skip the ladder.
func (a *Acquirer) Acquire(ctx context.Context, opts Options) (*Acquisition, error) {
	req := OpenRequest{Audio: opts.Audio, Video: opts.Video, FacingMode: opts.FacingMode}
	if opts.CachedIDs != nil {
		req.CameraID = opts.CachedIDs.Camera
		req.MicrophoneID = opts.CachedIDs.Microphone
	}

	if !opts.Video {
		tracks, err := a.opener.Open(req)
		if err != nil {
			return nil, &DeviceError{Kind: ClassifyDeviceError(err), Err: err}
		}
		return newAcquisition(tracks, -1), nil
	}

	var lastErr error
	for level, vc := range VideoLadder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.Video0 = vc
		tracks, err := a.opener.Open(req)
		if err == nil {
			if level > 0 {
				a.log.Info("video acquired at reduced quality",
					zap.Int("level", level),
					zap.Int("width", vc.MaxWidth),
					zap.Int("height", vc.MaxHeight))
			}
			return newAcquisition(tracks, level), nil
		}
		lastErr = err
		a.log.Warn("constraint level failed, falling through",
			zap.Int("level", level), zap.Error(err))
	}

	kind := ClassifyDeviceError(lastErr)
	return nil, &DeviceError{Kind: kind, Err: fmt.Errorf("%w: %v", ErrLadderExhausted, lastErr)}
}

func newAcquisition(tracks []Track, level int) *Acquisition {
	acq := &Acquisition{Tracks: tracks, UsedLevel: level}
	for _, t := range tracks {
		switch t.Kind() {
		case KindVideo:
			acq.DeviceIDs.Camera = t.DeviceID()
		case KindAudio:
			acq.DeviceIDs.Microphone = t.DeviceID()
		}
	}
	return acq
}
