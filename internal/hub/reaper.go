package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/types"
)

// Reaper periodically pings registered endpoints and removes peers whose
// transport has silently died, so the registry does not accumulate dead
// entries between messages.
type Reaper struct {
	log      zerolog.Logger
	registry *Registry
	router   *Router
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReaper creates a reaper that checks every interval.
func NewReaper(log zerolog.Logger, registry *Registry, router *Router, interval time.Duration) *Reaper {
	return &Reaper{
		log:      log,
		registry: registry,
		router:   router,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background check loop.
func (rp *Reaper) Start() {
	go rp.loop()
}

// Stop terminates the check loop. Safe to call more than once.
func (rp *Reaper) Stop() {
	rp.stopOnce.Do(func() {
		close(rp.stopCh)
	})
}

func (rp *Reaper) loop() {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.stopCh:
			return
		case <-ticker.C:
			rp.sweep()
		}
	}
}

func (rp *Reaper) sweep() {
	targets := rp.registry.Targets(types.RolePi)
	targets = append(targets, rp.registry.Targets(types.RoleFrontend)...)
	for _, t := range targets {
		if err := t.Endpoint.Ping(); err != nil {
			rp.log.Warn().Err(err).Str("device_id", t.DeviceID).Msg("ping failed, removing stale peer")
			rp.router.removePeer(t.Endpoint)
		}
	}
}
