package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Retrying wraps an Adapter and retries transient failures with
// exponential backoff and deterministic jitter. Index drift is handled by
// the inner adapter re-resolving rows; this layer only re-drives the call.
type Retrying struct {
	inner       Adapter
	baseMs      int64
	maxMs       int64
	maxJitterMs int64
	maxAttempts int
	sleep       func(context.Context, time.Duration) error
}

// NewRetrying wraps inner with the default plan: 4 attempts, 250 ms base,
// capped at 5 s.
func NewRetrying(inner Adapter) *Retrying {
	return &Retrying{
		inner:       inner,
		baseMs:      250,
		maxMs:       5_000,
		maxJitterMs: 200,
		maxAttempts: 4,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff computes the delay before attempt. Jitter is a PRF of the call
// identity and attempt index so retries are reproducible in tests.
func (r *Retrying) backoff(op string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := r.baseMs * factor
	if delay > r.maxMs {
		delay = r.maxMs
	}
	if r.maxJitterMs > 0 {
		seed := fmt.Sprintf("%s:%d", op, attempt)
		h := sha256.Sum256([]byte(seed))
		delay += int64(binary.BigEndian.Uint64(h[:8]) % uint64(r.maxJitterMs))
	}
	return time.Duration(delay) * time.Millisecond
}

func (r *Retrying) do(ctx context.Context, op string, call func() error) error {
	var last error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoff(op, attempt)); err != nil {
				return err
			}
		}
		last = call()
		if last == nil || !errors.Is(last, ErrTransient) {
			return last
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, last)
}

func (r *Retrying) ListTrackedDocuments(ctx context.Context) ([]DocumentRef, error) {
	var out []DocumentRef
	err := r.do(ctx, "listTrackedDocuments", func() error {
		var err error
		out, err = r.inner.ListTrackedDocuments(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) LoadTables(ctx context.Context, docID string) (*Tables, error) {
	var out *Tables
	err := r.do(ctx, "loadTables:"+docID, func() error {
		var err error
		out, err = r.inner.LoadTables(ctx, docID)
		return err
	})
	return out, err
}

func (r *Retrying) AppendCommandRow(ctx context.Context, docID string, row CommandRow) error {
	return r.do(ctx, "appendCommandRow:"+docID, func() error {
		return r.inner.AppendCommandRow(ctx, docID, row)
	})
}

func (r *Retrying) UpdateCommandRow(ctx context.Context, docID string, rowIndex int, patch CommandPatch) error {
	return r.do(ctx, "updateCommandRow:"+docID, func() error {
		return r.inner.UpdateCommandRow(ctx, docID, rowIndex, patch)
	})
}

func (r *Retrying) AppendAuditRow(ctx context.Context, docID, timestampISO, message string) error {
	return r.do(ctx, "appendAuditRow:"+docID, func() error {
		return r.inner.AppendAuditRow(ctx, docID, timestampISO, message)
	})
}

func (r *Retrying) AppendActivityRow(ctx context.Context, docID, timestampISO, kind, details, txRef string) error {
	return r.do(ctx, "appendActivityRow:"+docID, func() error {
		return r.inner.AppendActivityRow(ctx, docID, timestampISO, kind, details, txRef)
	})
}

func (r *Retrying) WriteConfigBatch(ctx context.Context, docID string, entries []ConfigEntry) error {
	return r.do(ctx, "writeConfigBatch:"+docID, func() error {
		return r.inner.WriteConfigBatch(ctx, docID, entries)
	})
}

func (r *Retrying) WriteBalancesSnapshot(ctx context.Context, docID string, rows []BalanceRow) error {
	return r.do(ctx, "writeBalancesSnapshot:"+docID, func() error {
		return r.inner.WriteBalancesSnapshot(ctx, docID, rows)
	})
}

func (r *Retrying) WriteOpenOrders(ctx context.Context, docID string, rows []OrderRow) error {
	return r.do(ctx, "writeOpenOrders:"+docID, func() error {
		return r.inner.WriteOpenOrders(ctx, docID, rows)
	})
}

func (r *Retrying) AppendChatReply(ctx context.Context, docID string, rowIndex int, reply string) error {
	return r.do(ctx, "appendChatReply:"+docID, func() error {
		return r.inner.AppendChatReply(ctx, docID, rowIndex, reply)
	})
}
