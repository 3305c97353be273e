// Package watcher polls invoices that have a bound transaction and drives
// them through verification.
//
// Payers submit a hash as soon as their wallet broadcasts it, usually before
// the chain has buried it deep enough. The watcher re-runs verification for
// submitted and verifying invoices until each one confirms, fails or expires,
// so nobody has to keep pressing "verify". Confirmed invoices whose
// subscription activation was never recorded are re-driven the same way.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainbill/internal/invoice"
)

// InvoiceVerifier is the slice of invoice.Service the watcher drives.
type InvoiceVerifier interface {
	ListByStatus(ctx context.Context, status invoice.Status, limit int) ([]*invoice.Invoice, error)
	ListAwaitingActivation(ctx context.Context, limit int) ([]*invoice.Invoice, error)
	Verify(ctx context.Context, id string) (*invoice.Invoice, error)
}

var _ InvoiceVerifier = (*invoice.Service)(nil)

// Config for the verification watcher
type Config struct {
	PollInterval time.Duration
	// BatchSize caps how many invoices per status one poll picks up.
	BatchSize int
	// Concurrency caps simultaneous Verify calls.
	Concurrency int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		BatchSize:    50,
		Concurrency:  4,
	}
}

// Result summarizes one poll.
type Result struct {
	Checked   int
	Confirmed int
	Rejected  int
	Pending   int
	Errors    int
}

// Watcher periodically verifies invoices awaiting on-chain confirmation.
type Watcher struct {
	service InvoiceVerifier
	config  Config
	logger  *slog.Logger

	// Invoices with a Verify call in flight.
	inFlight map[string]bool
	mu       sync.Mutex

	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new verification watcher. Zero config fields take defaults.
func New(cfg Config, service InvoiceVerifier, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		service:  service,
		config:   cfg,
		logger:   logger,
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins polling in the background.
func (w *Watcher) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("verification watcher started",
		"interval", w.config.PollInterval,
		"batch", w.config.BatchSize,
		"concurrency", w.config.Concurrency,
	)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the current poll to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.running.Load() {
			<-w.done
		}
	})
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			res := w.Poll(ctx)
			if res.Checked > 0 {
				w.logger.Info("verification poll complete",
					"checked", res.Checked,
					"confirmed", res.Confirmed,
					"rejected", res.Rejected,
					"pending", res.Pending,
					"errors", res.Errors,
				)
			}
		}
	}
}

// Poll verifies one batch of submitted and verifying invoices, plus confirmed
// ones still awaiting activation, and waits for the results.
func (w *Watcher) Poll(ctx context.Context) Result {
	var candidates []*invoice.Invoice
	var res Result
	for _, status := range []invoice.Status{invoice.StatusSubmitted, invoice.StatusVerifying} {
		invs, err := w.service.ListByStatus(ctx, status, w.config.BatchSize)
		if err != nil {
			w.logger.Error("list invoices for verification failed", "status", status, "error", err)
			res.Errors++
			continue
		}
		candidates = append(candidates, invs...)
	}
	if invs, err := w.service.ListAwaitingActivation(ctx, w.config.BatchSize); err != nil {
		w.logger.Error("list invoices awaiting activation failed", "error", err)
		res.Errors++
	} else {
		candidates = append(candidates, invs...)
	}

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		workers = make(chan struct{}, w.config.Concurrency)
	)
	for _, inv := range candidates {
		if !w.claim(inv.ID) {
			continue
		}
		select {
		case <-ctx.Done():
			w.release(inv.ID)
			wg.Wait()
			return res
		case workers <- struct{}{}:
		}

		wg.Add(1)
		go func(inv *invoice.Invoice) {
			defer wg.Done()
			defer func() { <-workers }()
			defer w.release(inv.ID)

			outcome := w.verify(ctx, inv)
			resMu.Lock()
			res.Checked++
			switch outcome {
			case outcomeConfirmed:
				res.Confirmed++
			case outcomeRejected:
				res.Rejected++
			case outcomePending:
				res.Pending++
			default:
				res.Errors++
			}
			resMu.Unlock()
		}(inv)
	}
	wg.Wait()
	return res
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeConfirmed
	outcomeRejected
	outcomePending
)

func (w *Watcher) verify(ctx context.Context, inv *invoice.Invoice) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in verification watcher", "invoiceId", inv.ID, "panic", r)
			out = outcomeError
		}
	}()

	updated, err := w.service.Verify(ctx, inv.ID)
	if err == nil {
		if updated != nil && updated.Status == invoice.StatusConfirmed {
			return outcomeConfirmed
		}
		return outcomePending
	}

	var ve *invoice.VerificationError
	switch {
	case errors.As(err, &ve) && ve.Kind == invoice.KindPermanent:
		w.logger.Warn("payment rejected",
			"invoiceId", inv.ID, "chain", inv.Chain, "txHash", inv.TxHash, "reason", ve.Reason)
		return outcomeRejected
	case errors.Is(err, invoice.ErrActivation):
		// Verify already logged this at CRITICAL; the invoice is confirmed.
		return outcomeConfirmed
	case invoice.IsRetryable(err):
		w.logger.Debug("verification pending",
			"invoiceId", inv.ID, "chain", inv.Chain, "error", err)
		return outcomePending
	case errors.Is(err, invoice.ErrAlreadyResolved), errors.Is(err, invoice.ErrInvalidStatus):
		// Expired or resolved since it was listed.
		return outcomePending
	default:
		w.logger.Error("verification failed",
			"invoiceId", inv.ID, "chain", inv.Chain, "txHash", inv.TxHash, "error", err)
		return outcomeError
	}
}

func (w *Watcher) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[id] {
		return false
	}
	w.inFlight[id] = true
	return true
}

func (w *Watcher) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}
