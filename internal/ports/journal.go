package ports

import "github.com/nodercif/sensorrelay/internal/domain"

type JournalEntryID uint64

// Journal keeps dead letters on disk until an operator replays them.
type Journal interface {
	Append(dl *domain.DeadLetter) (JournalEntryID, error)
	Iterate(from JournalEntryID, fn func(id JournalEntryID, dl *domain.DeadLetter) error) error
	Commit(upto JournalEntryID) error
	TruncateCommitted() error
	Stats() JournalStats
	Close() error
}

type JournalStats struct {
	OldestUncommitted JournalEntryID
	LatestAppended    JournalEntryID
	SizeBytes         int64
}
