// Package roster tracks who is in a room. A Poller periodically fetches the
// participant list and hands it, without the local participant, to the
// mesh.
package roster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
)

// Fetcher returns everyone currently in roomID.
type Fetcher interface {
	FetchRoster(ctx context.Context, roomID string) ([]identity.Participant, error)
}

// DeliverFunc receives each refreshed roster. mesh.Manager.OnRosterChange
// has this shape.
type DeliverFunc func(ctx context.Context, roster []identity.Participant) error

const DefaultInterval = 10 * time.Second

type Poller struct {
	self     identity.Participant
	fetcher  Fetcher
	deliver  DeliverFunc
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	last    []identity.Participant
	hasLast bool
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func NewPoller(self identity.Participant, fetcher Fetcher, deliver DeliverFunc, logger *zap.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = zap.L()
	}
	p := &Poller{
		self:     self,
		fetcher:  fetcher,
		deliver:  deliver,
		interval: DefaultInterval,
		logger:   logger.Named("roster"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Refresh fetches the roster and delivers it. When the fetch fails the last
// known roster is delivered again and the fetch error is returned. Delivery
// errors are logged only; they concern individual calls.
func (p *Poller) Refresh(ctx context.Context) error {
	fetched, fetchErr := p.fetcher.FetchRoster(ctx, p.self.RoomID)

	p.mu.Lock()
	if fetchErr == nil {
		p.last = p.filter(fetched)
		p.hasLast = true
	}
	roster := append([]identity.Participant(nil), p.last...)
	hasRoster := p.hasLast
	p.mu.Unlock()

	if fetchErr != nil {
		p.logger.Warn("Roster fetch failed, keeping last known roster",
			zap.String("room", p.self.RoomID),
			zap.Int("known", len(roster)),
			zap.Error(fetchErr))
		fetchErr = fmt.Errorf("fetch roster: %w", fetchErr)
	}
	if !hasRoster {
		return fetchErr
	}

	if p.deliver != nil {
		if err := p.deliver(ctx, roster); err != nil {
			p.logger.Warn("Some calls failed", zap.Error(err))
		}
	}
	return fetchErr
}

func (p *Poller) filter(ps []identity.Participant) []identity.Participant {
	out := make([]identity.Participant, 0, len(ps))
	for _, q := range identity.Dedup(ps) {
		if q == p.self || !q.Valid() || q.RoomID != p.self.RoomID {
			continue
		}
		out = append(out, q)
	}
	return out
}

// Run refreshes right away and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// Last returns the most recent successfully fetched roster.
func (p *Poller) Last() []identity.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]identity.Participant(nil), p.last...)
}
