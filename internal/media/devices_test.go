package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickCameraFlipLandsOnOtherDevice(t *testing.T) {
	cams := []string{"cam-front", "cam-back"}

	assert.Equal(t, "cam-front", pickCamera(cams, FacingUser, "cam-front"))
	// The environment facing resolves to the second camera even when the
	// current device is passed along, so a flip is not a device-level no-op.
	assert.Equal(t, "cam-back", pickCamera(cams, FacingEnvironment, "cam-front"))
}

func TestPickCameraSingleDeviceServesBothFacings(t *testing.T) {
	cams := []string{"cam-only"}

	assert.Equal(t, "cam-only", pickCamera(cams, FacingUser, ""))
	assert.Equal(t, "cam-only", pickCamera(cams, FacingEnvironment, "cam-only"))
}

func TestPickCameraExplicitIDWithoutFacing(t *testing.T) {
	cams := []string{"cam-a", "cam-b"}

	assert.Equal(t, "cam-b", pickCamera(cams, "", "cam-b"))
	assert.Equal(t, "cam-a", pickCamera(cams, "", ""))
}

func TestPickCameraNoDevices(t *testing.T) {
	assert.Equal(t, "", pickCamera(nil, "", ""))
	assert.Equal(t, "cached", pickCamera(nil, FacingEnvironment, "cached"))
}
