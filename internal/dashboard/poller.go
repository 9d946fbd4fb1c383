package dashboard

import (
	"context"
	"sync"
	"time"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
)

const DefaultSummaryInterval = 15 * time.Second

// SummaryPoller refreshes the inbox counts on a fixed interval while the
// view that shows them is open. A failed fetch keeps the last summary and
// is retried on the next tick.
type SummaryPoller struct {
	fetch    func(ctx context.Context) (*model.InboxSummary, error)
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	latest  *model.InboxSummary
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
	updates []func(*model.InboxSummary)
}

func NewSummaryPoller(fetch func(ctx context.Context) (*model.InboxSummary, error), interval time.Duration, logger *logger.Logger) *SummaryPoller {
	if interval <= 0 {
		interval = DefaultSummaryInterval
	}
	return &SummaryPoller{fetch: fetch, interval: interval, logger: logger}
}

func (p *SummaryPoller) OnUpdate(fn func(*model.InboxSummary)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, fn)
}

// Start fetches once right away and then every interval until Stop or ctx
// ends. Starting a running poller does nothing.
func (p *SummaryPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for an in-flight fetch to return.
func (p *SummaryPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *SummaryPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *SummaryPoller) poll(ctx context.Context) {
	summary, err := p.fetch(ctx)
	if ctx.Err() != nil {
		// Stopped while fetching; the result belongs to a closed view.
		return
	}

	p.mu.Lock()
	if err != nil {
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn("Unable to refresh inbox summary:", err)
		return
	}
	p.latest = summary
	p.lastErr = nil
	updates := append([]func(*model.InboxSummary){}, p.updates...)
	p.mu.Unlock()

	for _, fn := range updates {
		fn(summary)
	}
}

// Latest returns the last summary fetched and the error of the last attempt.
func (p *SummaryPoller) Latest() (*model.InboxSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.lastErr
}
