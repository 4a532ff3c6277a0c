package sensorrelay

import (
	"context"
	"fmt"
	"time"
)

// ReplayReport summarises one ReplayDeadLetters pass.
type ReplayReport struct {
	// Reinserted entries were written to the store.
	Reinserted int
	// Skipped entries had already reached the store (LiveEndpointFailed);
	// stale values are never pushed to the live endpoint.
	Skipped       int
	LastCommitted JournalEntryID
}

// PendingDeadLetters calls fn for every uncommitted journal entry in order.
func PendingDeadLetters(j Journal, fn func(id JournalEntryID, dl *DeadLetter) error) error {
	if j == nil {
		return ErrJournalDisabled
	}
	stats := j.Stats()
	if stats.LatestAppended == 0 || stats.OldestUncommitted > stats.LatestAppended {
		return nil
	}
	return j.Iterate(stats.OldestUncommitted, fn)
}

// ReplayDeadLetters re-inserts pending dead letters into s and commits
// them. It stops at the first store failure so the commit pointer never
// skips an entry. Committed entries are compacted out of the journal.
//
// Replay is operator-initiated; the relay itself never retries.
func ReplayDeadLetters(ctx context.Context, j Journal, s Store, writeTimeout time.Duration) (ReplayReport, error) {
	var report ReplayReport
	if s == nil {
		return report, fmt.Errorf("store is required")
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	commitErr := func(id JournalEntryID) error {
		if err := j.Commit(id); err != nil {
			return fmt.Errorf("commit dead letter %d: %w", id, err)
		}
		report.LastCommitted = id
		return nil
	}

	err := PendingDeadLetters(j, func(id JournalEntryID, dl *DeadLetter) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dl.Outcome == LiveEndpointFailed {
			report.Skipped++
			return commitErr(id)
		}

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.Insert(wctx, dl.Measurement)
		cancel()
		if err != nil {
			return fmt.Errorf("replay dead letter %d: %w", id, err)
		}
		report.Reinserted++
		return commitErr(id)
	})
	if err != nil {
		return report, err
	}

	if report.LastCommitted > 0 {
		if err := j.TruncateCommitted(); err != nil {
			return report, fmt.Errorf("compact dead-letter journal: %w", err)
		}
	}
	return report, nil
}

// History returns every stored measurement, newest first.
func (r *Runtime) History(ctx context.Context) ([]Measurement, error) {
	return r.store.FetchAll(ctx)
}

// ReplayDeadLetters replays the runtime's own journal into its store.
func (r *Runtime) ReplayDeadLetters(ctx context.Context) (ReplayReport, error) {
	if r.journal == nil {
		return ReplayReport{}, ErrJournalDisabled
	}
	return ReplayDeadLetters(ctx, r.journal, r.store, r.cfg.Store.WriteTimeout)
}
