package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id       string
	kind     Kind
	deviceID string
	closed   bool
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() Kind       { return t.kind }
func (t *fakeTrack) DeviceID() string { return t.deviceID }
func (t *fakeTrack) Close() error     { t.closed = true; return nil }

// fakeOpener fails the first failUntil attempts, then succeeds.
type fakeOpener struct {
	failUntil int
	failErr   error
	calls     []OpenRequest
}

func (o *fakeOpener) Open(req OpenRequest) ([]Track, error) {
	o.calls = append(o.calls, req)
	if len(o.calls) <= o.failUntil {
		return nil, o.failErr
	}
	var tracks []Track
	if req.Audio {
		tracks = append(tracks, &fakeTrack{id: "a1", kind: KindAudio, deviceID: "mic-1"})
	}
	if req.Video {
		tracks = append(tracks, &fakeTrack{id: "v1", kind: KindVideo, deviceID: "cam-1"})
	}
	return tracks, nil
}

func TestAcquireFirstLevelSucceeds(t *testing.T) {
	opener := &fakeOpener{}
	a := NewAcquirer(opener, nil)

	acq, err := a.Acquire(context.Background(), Options{Audio: true, Video: true})
	require.NoError(t, err)
	assert.Equal(t, 0, acq.UsedLevel)
	assert.Len(t, acq.Tracks, 2)
	assert.Equal(t, "cam-1", acq.DeviceIDs.Camera)
	assert.Equal(t, "mic-1", acq.DeviceIDs.Microphone)
}

func TestAcquireFallsThroughLadder(t *testing.T) {
	opener := &fakeOpener{failUntil: 2, failErr: errors.New("device busy")}
	a := NewAcquirer(opener, nil)

	acq, err := a.Acquire(context.Background(), Options{Video: true})
	require.NoError(t, err)
	assert.Equal(t, 2, acq.UsedLevel)
	require.Len(t, opener.calls, 3)
	assert.Equal(t, VideoLadder[0], opener.calls[0].Video0)
	assert.Equal(t, VideoLadder[2], opener.calls[2].Video0)
}

func TestAcquireLadderExhausted(t *testing.T) {
	opener := &fakeOpener{failUntil: len(VideoLadder), failErr: errors.New("permission denied by user")}
	a := NewAcquirer(opener, nil)

	_, err := a.Acquire(context.Background(), Options{Video: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLadderExhausted)
	assert.Equal(t, FailureDenied, ClassifyDeviceError(err))
}

func TestAcquireAudioOnlySkipsLadder(t *testing.T) {
	opener := &fakeOpener{}
	a := NewAcquirer(opener, nil)

	acq, err := a.Acquire(context.Background(), Options{Audio: true})
	require.NoError(t, err)
	assert.Equal(t, -1, acq.UsedLevel)
	require.Len(t, opener.calls, 1)
	assert.False(t, opener.calls[0].Video)
}

func TestAcquireUsesCachedDeviceIDs(t *testing.T) {
	opener := &fakeOpener{}
	a := NewAcquirer(opener, nil)

	cached := &DeviceIDs{Camera: "cam-front", Microphone: "mic-usb"}
	_, err := a.Acquire(context.Background(), Options{Audio: true, Video: true, CachedIDs: cached})
	require.NoError(t, err)
	assert.Equal(t, "cam-front", opener.calls[0].CameraID)
	assert.Equal(t, "mic-usb", opener.calls[0].MicrophoneID)
}

func TestAcquireCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAcquirer(&fakeOpener{}, nil)

	_, err := a.Acquire(ctx, Options{Video: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyDeviceError(t *testing.T) {
	cases := []struct {
		msg  string
		want FailureKind
	}{
		{"permission denied", FailureDenied},
		{"access denied by policy", FailureDenied},
		{"failed to find the best driver", FailureNotFound},
		{"no such device", FailureNotFound},
		{"device or resource busy", FailureInUse},
		{"track already in use", FailureInUse},
		{"something exploded", FailureUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyDeviceError(errors.New(tc.msg)), tc.msg)
	}
	assert.Equal(t, FailureUnknown, ClassifyDeviceError(nil))
}
