// Package worker drives crypto deposits and withdrawals that are waiting on the chain.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
)

type Deposits interface {
	Observable(ctx context.Context, limit int) ([]*storage.Deposit, error)
	Observe(ctx context.Context, txHash string) (*storage.Deposit, error)
}

type Withdrawals interface {
	InFlight(ctx context.Context, limit int) ([]*storage.Withdrawal, error)
	Poll(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
}

type Metrics interface {
	IncPollItem(kind, status string)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	ItemTimeout time.Duration
}

// Poller re-observes pending crypto deposits and pushes in-flight withdrawals forward on a
// fixed interval. Work from one tick finishes before the next tick starts.
type Poller struct {
	deposits    Deposits
	withdrawals Withdrawals
	metrics     Metrics
	logger      *slog.Logger
	opts        Options
}

func NewPoller(deposits Deposits, withdrawals Withdrawals, metrics Metrics, logger *slog.Logger, opts Options) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}
	return &Poller{
		deposits:    deposits,
		withdrawals: withdrawals,
		metrics:     metrics,
		logger:      logger,
		opts:        opts,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	p.logger.Info("confirmation poller started", "interval", p.opts.Interval, "concurrency", p.opts.Concurrency)
	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("confirmation poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one polling pass over deposits and withdrawals.
func (p *Poller) Tick(ctx context.Context) {
	var jobs []func(ctx context.Context)

	if p.deposits != nil {
		deposits, err := p.deposits.Observable(ctx, p.opts.BatchSize)
		if err != nil {
			p.logger.Error("list observable deposits", "error", err)
		}
		for _, d := range deposits {
			jobs = append(jobs, func(ctx context.Context) {
				_, err := p.deposits.Observe(ctx, d.ExternalRef)
				p.done("deposit", err, "deposit_id", d.ID)
			})
		}
	}
	if p.withdrawals != nil {
		withdrawals, err := p.withdrawals.InFlight(ctx, p.opts.BatchSize)
		if err != nil {
			p.logger.Error("list in-flight withdrawals", "error", err)
		}
		for _, w := range withdrawals {
			jobs = append(jobs, func(ctx context.Context) {
				_, err := p.withdrawals.Poll(ctx, w.ID)
				p.done("withdrawal", err, "withdrawal_id", w.ID)
			})
		}
	}
	p.run(ctx, jobs)
}

func (p *Poller) run(ctx context.Context, jobs []func(ctx context.Context)) {
	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(job func(ctx context.Context)) {
			defer wg.Done()
			defer func() { <-sem }()
			itemCtx, cancel := context.WithTimeout(ctx, p.opts.ItemTimeout)
			defer cancel()
			job(itemCtx)
		}(job)
	}
	wg.Wait()
}

func (p *Poller) done(kind string, err error, idKey string, id uuid.UUID) {
	status := "ok"
	switch {
	case err == nil:
	case apperr.IsRetryable(err):
		status = "retry"
		p.logger.Warn("poll deferred", "kind", kind, idKey, id, "error", err)
	default:
		status = string(apperr.KindOf(err))
		p.logger.Error("poll failed", "kind", kind, idKey, id, "error", err)
	}
	if p.metrics != nil {
		p.metrics.IncPollItem(kind, status)
	}
}
