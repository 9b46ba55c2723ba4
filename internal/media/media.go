// Package media acquires local camera and microphone tracks with a quality
// fallback ladder and classifies device failures for user-facing remediation.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing modes for camera selection. On multi-camera hosts the two modes
// resolve to different devices; with a single camera it serves both.
const (
	FacingUser        = "user"
	FacingEnvironment = "environment"
)

// FailureKind classifies a device acquisition failure. It drives the
// remediation copy shown to the user, not retry policy.
type FailureKind string

const (
	FailureDenied   FailureKind = "denied"
	FailureNotFound FailureKind = "not_found"
	FailureInUse    FailureKind = "in_use"
	FailureUnknown  FailureKind = "unknown"
)

// ErrLadderExhausted is returned when every constraint level failed.
var ErrLadderExhausted = errors.New("media: all constraint levels failed")

// DeviceError wraps a driver error with its classification.
type DeviceError struct {
	Kind FailureKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media: device error (%s): %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ClassifyDeviceError maps a driver error to a FailureKind by inspecting the
// underlying error text, mirroring platform error names.
func ClassifyDeviceError(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not allowed"),
		strings.Contains(msg, "access denied"):
		return FailureDenied
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "failed to find"):
		return FailureNotFound
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "in use"):
		return FailureInUse
	default:
		return FailureUnknown
	}
}

// Track is a locally captured media track ready for publishing. The owner of
// a Track is the only party allowed to Close it.
type Track interface {
	ID() string
	Kind() Kind
	// DeviceID reports the device the track was captured from, for
	// re-acquisition without a fresh prompt (e.g. camera flip).
	DeviceID() string
	Close() error
}

// DeviceIDs are the device identifiers actually granted on acquisition.
type DeviceIDs struct {
	Camera     string
	Microphone string
}

// Options control an acquisition attempt.
type Options struct {
	Audio      bool
	Video      bool
	FacingMode string     // "user" or "environment"; empty = default
	CachedIDs  *DeviceIDs // skip device discovery when set
}

// Acquisition is the result of a successful Acquire.
type Acquisition struct {
	Tracks    []Track
	UsedLevel int // index into VideoLadder; -1 for audio-only
	DeviceIDs DeviceIDs
}

// AudioTrack returns the acquired audio track, or nil.
func (a *Acquisition) AudioTrack() Track { return a.trackOfKind(KindAudio) }

// VideoTrack returns the acquired video track, or nil.
func (a *Acquisition) VideoTrack() Track { return a.trackOfKind(KindVideo) }

func (a *Acquisition) trackOfKind(k Kind) Track {
	for _, t := range a.Tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// Close releases all tracks in the acquisition.
func (a *Acquisition) Close() {
	for _, t := range a.Tracks {
		_ = t.Close()
	}
}
