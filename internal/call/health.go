package call

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthSnapshot is one observation of session health.
type HealthSnapshot struct {
	State       LiveState
	Conn        ConnState
	SessionID   string
	RemoteCount int
	MicOn       bool
	CamOn       bool
}

// HealthSource exposes a health snapshot; implemented by *Orchestrator.
type HealthSource interface {
	HealthSnapshot() HealthSnapshot
}

// HealthSnapshot implements HealthSource.
func (o *Orchestrator) HealthSnapshot() HealthSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	participants := make(map[string]struct{}, len(o.remote))
	for _, ref := range o.remote {
		participants[ref.ParticipantID] = struct{}{}
	}
	return HealthSnapshot{
		State:       o.state,
		Conn:        o.conn,
		SessionID:   o.sessionID,
		RemoteCount: len(participants),
		MicOn:       o.micOn,
		CamOn:       o.camOn,
	}
}

// HealthMonitor periodically samples a HealthSource and logs the snapshot.
// It is observability only; it never mutates session state.
type HealthMonitor struct {
	source   HealthSource
	log      *zap.Logger
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewHealthMonitor creates a stopped monitor. Zero interval defaults to 10s.
func NewHealthMonitor(source HealthSource, interval time.Duration, log *zap.Logger) *HealthMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{source: source, log: log, interval: interval}
}

// Start begins sampling. Idempotent while running.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
}

// Stop halts sampling and waits for the loop to exit. Idempotent.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.done = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *HealthMonitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := m.source.HealthSnapshot()
			m.log.Debug("session health",
				zap.String("state", string(snap.State)),
				zap.String("conn", string(snap.Conn)),
				zap.String("session_id", snap.SessionID),
				zap.Int("remote_participants", snap.RemoteCount),
				zap.Bool("mic_on", snap.MicOn),
				zap.Bool("cam_on", snap.CamOn),
			)
		}
	}
}
