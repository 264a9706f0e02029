// Package auditor re-checks ledger records that were left in
// pending_reconciliation and annotates what the chain says about them.
// It never changes balances; settling a record stays a manual step.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// LookupMaxTries bounds GetTransaction calls per signature and sweep.
	LookupMaxTries        uint
	LookupInitialInterval time.Duration
}

type Service struct {
	cfg    Config
	store  store.Store
	ledger txengine.Ledger
	logger *slog.Logger
	now    func() time.Time
}

func New(st store.Store, ledger txengine.Ledger, cfg Config, logger *slog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LookupMaxTries == 0 {
		cfg.LookupMaxTries = 3
	}
	if cfg.LookupInitialInterval <= 0 {
		cfg.LookupInitialInterval = time.Second
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		ledger: ledger,
		logger: logger.With("component", "auditor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SweepStats summarises one pass.
type SweepStats struct {
	Scanned    int
	Verified   int
	Unverified int
	Skipped    int
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("auditor started", "poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("initial sweep failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auditor stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce audits one batch of pending records. Records already verified
// on-chain are skipped.
// TODO: page past verified records once ListLedgerTransactionsByStatus takes a cursor.
func (s *Service) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	records, err := s.store.ListLedgerTransactionsByStatus(ctx, store.TxStatusPendingReconciliation, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list pending records: %w", err)
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++
		if verified, _ := record.Metadata["chain_verified"].(bool); verified {
			stats.Skipped++
			continue
		}

		report := s.audit(ctx, record)
		if err := s.store.AnnotateLedgerTransaction(ctx, record.ID, report.metadata(s.now())); err != nil {
			return stats, fmt.Errorf("annotate %s: %w", record.ID, err)
		}
		if report.verified() {
			stats.Verified++
		} else {
			stats.Unverified++
		}
		s.logger.Warn("pending reconciliation audited",
			"id", record.ID,
			"user", record.User,
			"type", record.Type,
			"confirmed", len(report.confirmed),
			"failed", len(report.failed),
			"missing", len(report.missing),
		)
	}

	if stats.Scanned > 0 {
		s.logger.Info("sweep complete",
			"scanned", stats.Scanned,
			"verified", stats.Verified,
			"unverified", stats.Unverified,
			"skipped", stats.Skipped,
		)
	}
	return stats, nil
}

type auditReport struct {
	confirmed []string
	failed    []string
	missing   []string
}

// verified means every signature the record names landed successfully.
func (r auditReport) verified() bool {
	return len(r.confirmed) > 0 && len(r.failed) == 0 && len(r.missing) == 0
}

func (r auditReport) metadata(at time.Time) map[string]any {
	return map[string]any{
		"chain_verified":       r.verified(),
		"audited_at":           at.Format(time.RFC3339),
		"confirmed_signatures": nonNil(r.confirmed),
		"failed_signatures":    nonNil(r.failed),
		"missing_signatures":   nonNil(r.missing),
	}
}

func (s *Service) audit(ctx context.Context, record store.LedgerTransaction) auditReport {
	var report auditReport
	for _, raw := range recordSignatures(record) {
		sig, err := solana.SignatureFromBase58(raw)
		if err != nil {
			report.missing = append(report.missing, raw)
			continue
		}
		info, err := s.lookup(ctx, sig)
		switch {
		case err != nil:
			report.missing = append(report.missing, raw)
		case info.Failed():
			report.failed = append(report.failed, raw)
		default:
			report.confirmed = append(report.confirmed, raw)
		}
	}
	return report
}

func (s *Service) lookup(ctx context.Context, sig solana.Signature) (*txengine.TransactionInfo, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.LookupInitialInterval

	return backoff.Retry(ctx, func() (*txengine.TransactionInfo, error) {
		return s.ledger.GetTransaction(ctx, sig)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.cfg.LookupMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("signature lookup retry", "signature", sig, "retry_in", next, "err", err)
		}),
	)
}

// recordSignatures collects every signature a pending record refers to.
// Metadata read back from postgres holds []any rather than []string.
func recordSignatures(record store.LedgerTransaction) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	switch sigs := record.Metadata["signatures"].(type) {
	case []string:
		for _, sig := range sigs {
			add(sig)
		}
	case []any:
		for _, sig := range sigs {
			if str, ok := sig.(string); ok {
				add(str)
			}
		}
	}
	if sig, ok := record.Metadata["signature"].(string); ok {
		add(sig)
	}
	if _, err := solana.SignatureFromBase58(record.TxRef); err == nil {
		add(record.TxRef)
	}
	return out
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
