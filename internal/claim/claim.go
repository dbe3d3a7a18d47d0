// Package claim implements Chomp's cross-worker task-claim protocol: a
// TTL'd lock in the coordination store asserting that a specific worker
// owns a specific ingester for the next interval. Claims are re-entrant
// for their own holder and release only under compare-and-delete, so a
// crashed worker's claim simply expires rather than blocking forever.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chomp/internal/coordination"
	"chomp/internal/logging"
)

const keyPrefix = "claims:"

func key(id string) string {
	return keyPrefix + id
}

// Manager claims and releases ingester tasks against a coordination.Store
// on behalf of a single worker process, identified by procID.
type Manager struct {
	store  coordination.Store
	procID string
	logger *slog.Logger
}

// New returns a Manager. procID should be stable for the lifetime of the
// process (see internal/bootstrap, which mints one uuid per run) so that
// re-entrant claims and self-release both resolve correctly.
func New(store coordination.Store, procID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		procID: procID,
		logger: logging.Default(logger).With("component", "claim", "proc_id", procID),
	}
}

// Claim attempts to acquire id for ttl. It succeeds if the key is absent
// (first claim) or already held by this process (re-entrant renewal); it
// fails, without error, if another process holds it.
func (m *Manager) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	k := key(id)
	ok, err := m.store.SetNX(ctx, k, []byte(m.procID), ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	if ok {
		return true, nil
	}

	holder, err := m.store.Get(ctx, k)
	if err != nil {
		if err == coordination.ErrNotFound {
			// Lost a race with another SetNX between our failed attempt
			// and this read; treat as not ours.
			return false, nil
		}
		return false, fmt.Errorf("claim %s: checking holder: %w", id, err)
	}
	if string(holder) == m.procID {
		// Re-entrant claim: refresh the TTL.
		if err := m.store.Set(ctx, k, holder, ttl); err != nil {
			return false, fmt.Errorf("claim %s: renewing: %w", id, err)
		}
		return true, nil
	}
	return false, nil
}

// IsClaimed reports whether id is currently held by any process. When
// excludeSelf is true, a claim held by this process counts as unclaimed.
func (m *Manager) IsClaimed(ctx context.Context, id string, excludeSelf bool) (bool, error) {
	holder, err := m.store.Get(ctx, key(id))
	if err != nil {
		if err == coordination.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("is_claimed %s: %w", id, err)
	}
	if excludeSelf && string(holder) == m.procID {
		return false, nil
	}
	return true, nil
}

// Free releases id, but only if this process is the current holder.
func (m *Manager) Free(ctx context.Context, id string) error {
	ok, err := m.store.DeleteIfValue(ctx, key(id), []byte(m.procID))
	if err != nil {
		return fmt.Errorf("free %s: %w", id, err)
	}
	if !ok {
		m.logger.Debug("free skipped: not current holder", "ingester_id", id)
	}
	return nil
}

// ProcID returns the process identity used for all claims made by this
// Manager.
func (m *Manager) ProcID() string {
	return m.procID
}
