package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFocusAutoPromotesFirstVideo(t *testing.T) {
	f := NewFocus()
	assert.True(t, f.ObserveVideo("fan-1"))
	assert.Equal(t, "fan-1", f.PrimaryID())
	assert.Equal(t, FocusAutoFollowing, f.Mode())

	// Later arrivals never displace the promoted primary.
	assert.False(t, f.ObserveVideo("fan-2"))
	assert.Equal(t, "fan-1", f.PrimaryID())
}

func TestFocusPinDisablesAutoPromotion(t *testing.T) {
	f := NewFocus()
	f.Pin("creator")
	assert.Equal(t, FocusUserPinned, f.Mode())
	assert.Equal(t, "creator", f.PrimaryID())

	assert.False(t, f.ObserveVideo("fan-1"))
	assert.Equal(t, "creator", f.PrimaryID())
}

func TestFocusParticipantLeftReArmsInAutoMode(t *testing.T) {
	f := NewFocus()
	f.ObserveVideo("fan-1")
	assert.True(t, f.ParticipantLeft("fan-1"))
	assert.Empty(t, f.PrimaryID())

	// The next video observation promotes a replacement.
	assert.True(t, f.ObserveVideo("fan-2"))
	assert.Equal(t, "fan-2", f.PrimaryID())
}

func TestFocusParticipantLeftKeepsPin(t *testing.T) {
	f := NewFocus()
	f.Pin("fan-1")
	assert.False(t, f.ParticipantLeft("fan-1"))
	assert.Equal(t, FocusUserPinned, f.Mode())

	assert.False(t, f.ObserveVideo("fan-2"))
}

func TestFocusParticipantLeftIgnoresNonPrimary(t *testing.T) {
	f := NewFocus()
	f.ObserveVideo("fan-1")
	assert.False(t, f.ParticipantLeft("fan-2"))
	assert.Equal(t, "fan-1", f.PrimaryID())
}

func TestFocusReset(t *testing.T) {
	f := NewFocus()
	f.Pin("fan-1")
	f.Reset()
	assert.Equal(t, FocusAutoFollowing, f.Mode())
	assert.Empty(t, f.PrimaryID())
	assert.True(t, f.ObserveVideo("fan-2"))
}
