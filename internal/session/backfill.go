package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// HistorySource serves most-recent-first history pages.
type HistorySource interface {
	PageMessages(ctx context.Context, roomID string, pageNum, pageSize int) (core.Page, error)
}

// BackfillResult describes one backfill run.
type BackfillResult struct {
	// Pages is the number of pages fetched.
	Pages int
	// LastPage is the highest page number loaded.
	LastPage int
	// TotalPages is the page count last reported by the server.
	TotalPages int
	// AnchorFound is true when the requested anchor was loaded, or when no
	// anchor was requested.
	AnchorFound bool
	// Added is the number of messages new to the store.
	Added int
}

// HasOlder reports whether older pages remain on the server.
func (r BackfillResult) HasOlder() bool {
	return r.LastPage < r.TotalPages
}

// Backfill pages through room history until an anchor is located or the
// page ceiling is reached.
type Backfill struct {
	src      HistorySource
	pageSize int
	maxPages int
	log      *zerolog.Logger
}

// NewBackfill creates a backfill with the given page size and ceiling.
func NewBackfill(src HistorySource, pageSize, maxPages int, logger *zerolog.Logger) *Backfill {
	if pageSize <= 0 {
		pageSize = 20
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Backfill{src: src, pageSize: pageSize, maxPages: maxPages, log: logger}
}

// Run loads page 1 and, while anchorID is set and not yet seen, further pages
// up to min(maxPages, pages reported by the server). Pages are seeded only if
// ctx is still live after the last fetch, so a run that outlives its session
// leaves the store untouched.
func (b *Backfill) Run(ctx context.Context, roomID, anchorID string, into *MessageStore) (BackfillResult, error) {
	reached := func(records []core.Message) bool {
		if anchorID == "" || into.Contains(anchorID) {
			return true
		}
		for _, m := range records {
			if m.ID == anchorID {
				return true
			}
		}
		return false
	}
	return b.run(ctx, roomID, anchorID, reached, into)
}

// RunSince is Run for an anchor known only by time: paging stops once a page
// reaches back to at, so the first message not older than at is loaded.
func (b *Backfill) RunSince(ctx context.Context, roomID string, at time.Time, into *MessageStore) (BackfillResult, error) {
	reached := func(records []core.Message) bool {
		if first, ok := into.First(); ok && !first.OccurredAt.After(at) {
			return true
		}
		for _, m := range records {
			if !m.OccurredAt.After(at) {
				return true
			}
		}
		return false
	}
	return b.run(ctx, roomID, at.UTC().Format(time.RFC3339Nano), reached, into)
}

func (b *Backfill) run(ctx context.Context, roomID, anchor string, reached func([]core.Message) bool, into *MessageStore) (BackfillResult, error) {
	var (
		res     BackfillResult
		pages   [][]core.Message
		ceiling = 1
	)

	for pageNum := 1; pageNum <= ceiling; pageNum++ {
		page, err := b.src.PageMessages(ctx, roomID, pageNum, b.pageSize)
		if err != nil {
			return res, fmt.Errorf("backfill page %d: %w", pageNum, err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Pages++
		res.LastPage = pageNum
		res.TotalPages = max(page.Pages, pageNum)
		pages = append(pages, page.Records)

		if pageNum == 1 {
			ceiling = min(b.maxPages, max(page.Pages, 1))
		}
		if reached(page.Records) {
			res.AnchorFound = true
			break
		}
	}

	res.Added = into.Seed(pages...)
	metrics.BackfillPages.Observe(float64(res.Pages))

	if !res.AnchorFound {
		b.log.Info().Str("room_id", roomID).Str("anchor", anchor).Int("pages", res.Pages).
			Msg("unread anchor not within backfill ceiling")
	} else {
		b.log.Debug().Str("room_id", roomID).Int("pages", res.Pages).Int("total_pages", res.TotalPages).
			Int("added", res.Added).Msg("backfill done")
	}
	return res, nil
}

// Page loads a single page into the store, used to extend history upward.
func (b *Backfill) Page(ctx context.Context, roomID string, pageNum int, into *MessageStore) (BackfillResult, error) {
	page, err := b.src.PageMessages(ctx, roomID, pageNum, b.pageSize)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("load page %d: %w", pageNum, err)
	}
	if err := ctx.Err(); err != nil {
		return BackfillResult{}, err
	}

	res := BackfillResult{
		Pages:       1,
		LastPage:    pageNum,
		TotalPages:  max(page.Pages, pageNum),
		AnchorFound: true,
		Added:       into.Seed(page.Records),
	}
	metrics.BackfillPages.Observe(1)
	return res, nil
}

// TopUp fetches pages from the newest until one overlaps what the store
// already holds, covering a delivery gap after a reconnect.
func (b *Backfill) TopUp(ctx context.Context, roomID string, into *MessageStore) (BackfillResult, error) {
	var (
		res     BackfillResult
		pages   [][]core.Message
		ceiling = 1
	)
	empty := into.Len() == 0

	for pageNum := 1; pageNum <= ceiling; pageNum++ {
		page, err := b.src.PageMessages(ctx, roomID, pageNum, b.pageSize)
		if err != nil {
			return res, fmt.Errorf("top up page %d: %w", pageNum, err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Pages++
		res.LastPage = pageNum
		res.TotalPages = max(page.Pages, pageNum)
		pages = append(pages, page.Records)

		if pageNum == 1 {
			ceiling = min(b.maxPages, max(page.Pages, 1))
		}
		if empty || overlaps(page.Records, into) {
			break
		}
	}

	res.AnchorFound = true
	res.Added = into.Seed(pages...)
	metrics.BackfillPages.Observe(float64(res.Pages))
	b.log.Debug().Str("room_id", roomID).Int("pages", res.Pages).Int("added", res.Added).Msg("history topped up")
	return res, nil
}

func overlaps(records []core.Message, s *MessageStore) bool {
	if len(records) == 0 {
		return true
	}
	for _, m := range records {
		if s.Contains(m.ID) {
			return true
		}
	}
	return false
}
