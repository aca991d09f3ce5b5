package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSlotTimeout means no concurrency slot freed up within the acquire
// budget. The caller should classify this as retryable.
var ErrSlotTimeout = errors.New("organization concurrency slot unavailable")

// OrgSlot is a held advisory-lock slot. The lock is session-scoped: it lives
// on a dedicated pooled connection and dies with it, so a crashed worker can
// never strand a slot.
type OrgSlot struct {
	conn      *pgxpool.Conn
	orgHash   int32
	slotIndex int32
}

// Index returns the 1-based slot number this claim holds.
func (s *OrgSlot) Index() int { return int(s.slotIndex) }

// Release unlocks the slot and returns its connection to the pool. Safe to
// call once from a deferred cleanup path.
func (s *OrgSlot) Release(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return nil
	}
	defer func() {
		s.conn.Release()
		s.conn = nil
	}()
	if _, err := s.conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, s.orgHash, s.slotIndex); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// orgHash folds an organization id into the int32 advisory-lock key space.
func orgHash(organizationID string) int32 {
	return int32(xxhash.Sum64String(organizationID))
}

// TryAcquireSlot makes a single pass over slots 1..maxSlots and claims the
// first free one, or returns (nil, nil) when all are held.
func (s *Store) TryAcquireSlot(ctx context.Context, organizationID string, maxSlots int) (*OrgSlot, error) {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	hash := orgHash(organizationID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	for slot := int32(1); slot <= int32(maxSlots); slot++ {
		var locked bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, hash, slot).Scan(&locked); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if locked {
			return &OrgSlot{conn: conn, orgHash: hash, slotIndex: slot}, nil
		}
	}
	conn.Release()
	return nil, nil
}

// AcquireSlot polls for a free slot with jittered backoff until timeout.
// Fairness across waiting workers is best-effort; this is lock-free polling,
// not a queue.
func (s *Store) AcquireSlot(ctx context.Context, organizationID string, maxSlots int, timeout time.Duration) (*OrgSlot, error) {
	deadline := time.Now().Add(timeout)
	wait := 250 * time.Millisecond

	for {
		slot, err := s.TryAcquireSlot(ctx, organizationID, maxSlots)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			return slot, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrSlotTimeout
		}

		jittered := wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		if wait < 2*time.Second {
			wait *= 2
		}
	}
}
