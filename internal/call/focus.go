package call

// FocusMode names the session focus policy state.
type FocusMode string

const (
	// FocusAutoFollowing promotes the first remote video automatically.
	FocusAutoFollowing FocusMode = "auto_following"
	// FocusUserPinned means the user chose a view; auto-promotion is
	// permanently disabled for the session.
	FocusUserPinned FocusMode = "user_pinned"
)

// Focus is the session focus state machine. It collapses the promoted/pinned/
// primary bookkeeping into one explicit machine so every change flows through
// a single transition point.
type Focus struct {
	mode      FocusMode
	primaryID string
	promoted  bool
}

// NewFocus returns a focus machine in auto-following mode.
func NewFocus() *Focus {
	return &Focus{mode: FocusAutoFollowing}
}

// Mode returns the current focus mode.
func (f *Focus) Mode() FocusMode { return f.mode }

// PrimaryID returns the participant currently promoted to primary display,
// or empty when nothing is focused.
func (f *Focus) PrimaryID() string { return f.primaryID }

// ObserveVideo reports a remote video track from participantID. The first
// observation auto-promotes exactly once per sweep; it reports whether the
// primary changed. Once the user has pinned, observations never promote.
func (f *Focus) ObserveVideo(participantID string) bool {
	if f.mode != FocusAutoFollowing || f.promoted || participantID == "" {
		return false
	}
	f.primaryID = participantID
	f.promoted = true
	return true
}

// Pin latches the user's explicit choice. One-way: auto-promotion stays
// disabled until Reset.
func (f *Focus) Pin(participantID string) {
	f.mode = FocusUserPinned
	f.primaryID = participantID
}

// ParticipantLeft clears the primary if it belonged to the departed
// participant. In auto-following mode the next ObserveVideo may promote a
// replacement; a pinned selection stays pinned (the UI shows a placeholder).
func (f *Focus) ParticipantLeft(participantID string) bool {
	if f.primaryID != participantID {
		return false
	}
	if f.mode == FocusAutoFollowing {
		f.primaryID = ""
		f.promoted = false
		return true
	}
	return false
}

// Reset returns the machine to auto-following for a new session.
func (f *Focus) Reset() {
	f.mode = FocusAutoFollowing
	f.primaryID = ""
	f.promoted = false
}
