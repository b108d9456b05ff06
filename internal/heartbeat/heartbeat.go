// Package heartbeat periodically reports node liveness to the backend.
package heartbeat

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"jobnode/internal/coordinator"
	"jobnode/internal/metrics"
)

// DefaultPeriod is the interval between heartbeats.
const DefaultPeriod = 60 * time.Second

// Payload is the heartbeat body.
type Payload struct {
	NodeID    string  `json:"node_id"`
	Country   string  `json:"country"`
	Hardware  string  `json:"hardware"`
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	SessionID string  `json:"session_id,omitempty"`
}

// Sender delivers a single heartbeat.
type Sender interface {
	SendHeartbeat(ctx context.Context, p Payload) error
}

// Emitter sends a heartbeat immediately and then once per period until its
// context is cancelled. Delivery failures are logged and counted, never fatal.
type Emitter struct {
	sender Sender
	id     coordinator.Identity
	period time.Duration
	now    func() time.Time
	log    coordinator.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New builds an Emitter for id. A non-positive period means DefaultPeriod.
func New(sender Sender, id coordinator.Identity, period time.Duration, log coordinator.Logger) *Emitter {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Emitter{
		sender: sender,
		id:     id,
		period: period,
		now:    time.Now,
		log:    coordinator.DefaultLogger(log),
	}
}

// Payload builds the current heartbeat body.
func (e *Emitter) Payload() Payload {
	return Payload{
		NodeID:    e.id.NodeID,
		Country:   e.id.Country,
		Hardware:  e.id.Hardware,
		Status:    "active",
		Uptime:    math.Round(e.id.Uptime(e.now()).Seconds()*100) / 100,
		SessionID: e.id.SessionID,
	}
}

// Run blocks until ctx is done.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	e.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beat(ctx)
		}
	}
}

// Counts returns the number of delivered and failed heartbeats.
func (e *Emitter) Counts() (sent, failed uint64) {
	return e.sent.Load(), e.failed.Load()
}

func (e *Emitter) beat(ctx context.Context) {
	if err := e.sender.SendHeartbeat(ctx, e.Payload()); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.failed.Add(1)
		metrics.HeartbeatFailuresTotal.Inc()
		e.log.Warnf("heartbeat failed: %v", err)
		return
	}
	e.sent.Add(1)
}
