package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionWindows configures the daily sweep from spec §4.4: rows older
// than the per-kind window are removed; rows older than ArchiveAfter (when
// non-zero) are archived instead of dropped outright, with their indexable
// text truncated to ArchiveTextLimit runes.
type RetentionWindows struct {
	Episodic         time.Duration
	Semantic         time.Duration
	Procedural       time.Duration
	ArchiveAfter     time.Duration
	ArchiveTextLimit int
}

func (w RetentionWindows) windowFor(k Kind) time.Duration {
	switch k {
	case KindEpisodic:
		return w.Episodic
	case KindSemantic:
		return w.Semantic
	case KindProcedural:
		return w.Procedural
	default:
		return 0
	}
}

// ArchiveWriter receives rows that have aged past ArchiveAfter instead of
// being dropped outright, matching spec §4.4's "compressed archive table".
type ArchiveWriter interface {
	Archive(ctx context.Context, m Memory) error
}

// Sweeper runs the daily retention job on a cron schedule, grounded on the
// same robfig/cron scheduling used for periodic background jobs elsewhere in
// the stack.
type Sweeper struct {
	store   *Store
	windows RetentionWindows
	archive ArchiveWriter
	clock   func() time.Time
	cron    *cron.Cron
}

// NewSweeper builds a Sweeper. archive may be nil to disable archiving
// (rows past ArchiveAfter, or all aged-out rows if ArchiveAfter is zero,
// are simply deleted).
func NewSweeper(store *Store, windows RetentionWindows, archive ArchiveWriter) *Sweeper {
	return &Sweeper{store: store, windows: windows, archive: archive, clock: time.Now}
}

// Start schedules the sweep to run once daily at the given cron spec (e.g.
// "0 3 * * *" for 03:00) and returns immediately; call Stop to halt it.
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			slog.Warn("memory: retention sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the scheduled sweep; safe to call if Start was never called.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs a single sweep pass across all three kinds. It returns
// the first listing error; failed archive writes and deletes are logged and
// skipped.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.clock()
	for _, kind := range []Kind{KindEpisodic, KindSemantic, KindProcedural} {
		window := s.windows.windowFor(kind)
		if window <= 0 {
			continue
		}
		cutoff := now.Add(-window)
		rows, err := s.store.repo.ListOlderThan(ctx, kind, cutoff)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if s.shouldArchive(now, row) {
				archived := s.truncateForArchive(row)
				if err := s.archive.Archive(ctx, archived); err != nil {
					slog.Warn("memory: archive write failed", "id", row.Shared.ID, "error", err)
					continue
				}
			}
			if err := s.store.Delete(ctx, row.Shared.ID); err != nil {
				slog.Warn("memory: retention delete failed", "id", row.Shared.ID, "error", err)
			}
		}
	}
	return nil
}

func (s *Sweeper) shouldArchive(now time.Time, m Memory) bool {
	if s.archive == nil || s.windows.ArchiveAfter <= 0 {
		return false
	}
	return now.Sub(m.Shared.CreatedAt) >= s.windows.ArchiveAfter
}

// truncateForArchive caps the long free-text fields (episodic context and
// outcome, semantic object, procedural description) to ArchiveTextLimit
// runes before handing the row to the ArchiveWriter, per spec §4.4.
func (s *Sweeper) truncateForArchive(m Memory) Memory {
	limit := s.windows.ArchiveTextLimit
	if limit <= 0 {
		return m
	}
	out := m
	switch m.Shared.Kind {
	case KindEpisodic:
		if m.Episodic != nil {
			e := *m.Episodic
			e.Context = truncateRunes(e.Context, limit)
			e.Outcome = truncateRunes(e.Outcome, limit)
			out.Episodic = &e
		}
	case KindSemantic:
		if m.Semantic != nil {
			sem := *m.Semantic
			sem.Object = truncateRunes(sem.Object, limit)
			out.Semantic = &sem
		}
	case KindProcedural:
		if m.Procedural != nil {
			p := *m.Procedural
			p.Description = truncateRunes(p.Description, limit)
			out.Procedural = &p
		}
	}
	return out
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
