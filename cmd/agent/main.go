// Package main runs the creator-side call agent: it watches the fan queue,
// acquires camera and microphone, and carries the live call over the platform
// relay or, in fallback mode, over the manual signaling channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fancall/backend/config"
	"github.com/fancall/backend/internal/call"
	"github.com/fancall/backend/internal/media"
	"github.com/fancall/backend/internal/queuewatch"
	"github.com/fancall/backend/internal/rtc"
	"github.com/fancall/backend/internal/signaling"
	"github.com/fancall/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Agent.CreatorID == "" {
		logger.Fatal("AGENT_CREATOR_ID is required")
	}
	identity := cfg.Agent.Identity
	if identity == "" {
		identity = cfg.Agent.CreatorID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	deviceMgr, err := media.NewDeviceManager(0, logger)
	if err != nil {
		logger.Fatal("device manager", zap.Error(err))
	}
	acquirer := media.NewAcquirer(deviceMgr, logger)

	// Queue watcher: initial count over HTTP, live changes over the Redis feed.
	fetcher := queuewatch.NewHTTPCountFetcher(cfg.Agent.APIBase, cfg.Agent.APIToken)
	feed := queuewatch.NewRedisFeed(rdb.Client, logger)
	queueMgr := queuewatch.NewManager(cfg.Agent.CreatorID, fetcher, feed, queuewatch.Config{},
		func(count int) {
			logger.Info("queue heating up", zap.Int("waiting", count))
		}, logger)
	if err := queueMgr.Start(ctx); err != nil {
		logger.Fatal("queue watcher", zap.Error(err))
	}
	defer queueMgr.Close()
	go func() {
		for u := range queueMgr.Updates() {
			logger.Info("queue count",
				zap.Int("waiting", u.Count), zap.Bool("stale", u.Stale))
		}
	}()

	switch cfg.Agent.Transport {
	case config.TransportP2P:
		runP2P(ctx, cfg, rdb, deviceMgr, acquirer, logger)
	default:
		runSFU(ctx, cfg, deviceMgr, acquirer, identity, logger)
	}

	logger.Info("agent stopped")
}

// runSFU drives the orchestrator against the platform relay, joining and
// leaving as the creator's active session comes and goes.
func runSFU(ctx context.Context, cfg *config.Config, deviceMgr *media.DeviceManager, acquirer *media.Acquirer, identity string, logger *zap.Logger) {
	tokens := rtc.NewTokenClient(cfg.Agent.APIBase, cfg.Agent.APIToken)
	factory := rtc.NewRoomFactory(rtc.RoomConfig{
		ICEUrls: cfg.RTC.ICEUrls,
		Populate: func(engine *webrtc.MediaEngine) error {
			deviceMgr.CodecSelector().Populate(engine)
			return nil
		},
		Log: logger,
	})

	bus := call.NewBus()
	bus.Subscribe(func(e call.Event) { logEvent(logger, e) })
	orch := call.NewOrchestrator(tokens, acquirer, factory, bus, logger)
	defer orch.Leave()

	monitor := call.NewHealthMonitor(orch, 0, logger)
	monitor.Start()
	defer monitor.Stop()

	poller := &sessionPoller{base: cfg.Agent.APIBase, token: cfg.Agent.APIToken}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	current := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sessionID, err := poller.active(ctx)
		if err != nil {
			logger.Warn("poll active session", zap.Error(err))
			continue
		}
		switch {
		case sessionID == "" && current != "":
			logger.Info("session ended, leaving", zap.String("session_id", current))
			orch.Leave()
			current = ""
		case sessionID != "" && sessionID != current:
			logger.Info("joining session", zap.String("session_id", sessionID))
			if err := orch.Join(ctx, sessionID, identity, call.RolePublisher); err != nil {
				logger.Warn("join failed", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			current = sessionID
		}
	}
}

// runP2P serves viewers over the manual signaling channel: one announcement,
// one peer per viewer, media published from the local devices.
func runP2P(ctx context.Context, cfg *config.Config, rdb *redis.Client, deviceMgr *media.DeviceManager, acquirer *media.Acquirer, logger *zap.Logger) {
	acq, err := acquirer.Acquire(ctx, media.Options{Audio: true, Video: true})
	if err != nil {
		logger.Fatal("acquire media", zap.Error(err))
	}
	defer func() {
		for _, t := range acq.Tracks {
			_ = t.Close()
		}
	}()
	logger.Info("media acquired", zap.Int("ladder_level", acq.UsedLevel))

	pubsub := signaling.NewRedisPubSub(rdb.Client, logger)
	factory := func(viewerID string) (signaling.OfferPeer, error) {
		peer, err := rtc.NewPeer(cfg.RTC.ICEUrls, logger)
		if err != nil {
			return nil, err
		}
		if err := peer.PublishTracks(acq.Tracks); err != nil {
			_ = peer.Close()
			return nil, err
		}
		return peer, nil
	}

	responder := signaling.NewResponder(cfg.Agent.CreatorID, pubsub, factory, logger)
	if err := responder.Start(ctx); err != nil {
		logger.Fatal("signaling responder", zap.Error(err))
	}
	defer responder.Close()

	logger.Info("live on signaling channel", zap.String("creator_id", cfg.Agent.CreatorID))
	<-ctx.Done()
}

func logEvent(logger *zap.Logger, e call.Event) {
	switch e.Type {
	case call.EventTypeStateChanged:
		logger.Info("session state", zap.String("state", string(e.State)))
	case call.EventTypeConnState:
		logger.Info("connection state", zap.String("conn", string(e.Conn)))
	case call.EventTypeTrackAdded:
		logger.Info("remote track added",
			zap.String("participant", e.Track.ParticipantID), zap.String("kind", e.Track.Kind))
	case call.EventTypeTrackRemoved:
		logger.Info("remote track removed",
			zap.String("participant", e.Track.ParticipantID), zap.String("kind", e.Track.Kind))
	case call.EventTypeFocusChanged:
		logger.Info("focus changed", zap.String("participant", e.FocusID))
	case call.EventTypeError:
		logger.Warn("session error", zap.String("kind", string(e.ErrKind)), zap.Error(e.Err))
	}
}

// sessionPoller reads the creator's active call session from the platform.
type sessionPoller struct {
	base  string
	token string
}

func (p *sessionPoller) active(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/v1/sessions/active", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("active session: status %d", resp.StatusCode)
	}
	var body struct {
		Success bool `json:"success"`
		Data    *struct {
			ID      string     `json:"id"`
			EndedAt *time.Time `json:"ended_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if !body.Success || body.Data == nil || body.Data.EndedAt != nil {
		return "", nil
	}
	return body.Data.ID, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("AGENT_DEBUG") == "true" {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
