package app

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// Scope narrows catalog reads to a user and optionally one of their tasks.
type Scope struct {
	UserID string
	TaskID string
}

type Pagination struct {
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
}

// Page is one section listing.
type Page struct {
	Section    domain.Section `json:"section"`
	Photos     []domain.Photo `json:"photos"`
	Pagination Pagination     `json:"pagination"`
}

// SectionSummary is a dashboard tile for one section.
type SectionSummary struct {
	Total   int            `json:"total"`
	Preview []domain.Photo `json:"preview"`
}

// Summary aggregates every section for a user.
type Summary struct {
	Sections map[domain.Section]SectionSummary `json:"sections"`
}

// ListSection lists unexpired photos of one section. Small sections come back
// whole; start and pro are paged with a bounded limit.
func (a *App) ListSection(ctx context.Context, scope Scope, rawSection string, page, limit int) (Page, error) {
	section, ok := domain.ParseSection(strings.ToLower(strings.TrimSpace(rawSection)))
	if !ok {
		return Page{}, domain.Validation("section must be one of: uploaded free start pro")
	}
	if page < 0 || limit < 0 {
		return Page{}, domain.Validation("page and limit must be positive")
	}
	if scope.TaskID != "" {
		if _, err := a.ownedTask(ctx, scope.UserID, scope.TaskID); err != nil {
			return Page{}, err
		}
	}
	q := store.PhotoQuery{
		UserID:  scope.UserID,
		TaskID:  scope.TaskID,
		Section: section,
		Now:     a.now(),
	}
	if !section.Paginated() {
		photos, err := a.store.ListPhotos(ctx, q)
		if err != nil {
			return Page{}, fmt.Errorf("list photos: %w", err)
		}
		return Page{
			Section:    section,
			Photos:     a.normalize(photos),
			Pagination: Pagination{Total: len(photos), HasMore: false, Page: 1, Limit: len(photos)},
		}, nil
	}

	total, err := a.store.CountPhotos(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("count photos: %w", err)
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = a.defaultPageSize
	}
	if limit > a.maxPageSize {
		limit = a.maxPageSize
	}
	// Offsets past math.MaxInt would wrap negative.
	if page > math.MaxInt/limit {
		return Page{}, domain.Validation("page out of range")
	}
	q.Offset = (page - 1) * limit
	q.Limit = limit
	photos, err := a.store.ListPhotos(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("list photos: %w", err)
	}
	return Page{
		Section: section,
		Photos:  a.normalize(photos),
		Pagination: Pagination{
			Total:   total,
			HasMore: q.Offset+len(photos) < total,
			Page:    page,
			Limit:   limit,
		},
	}, nil
}

// Summary counts every section and fetches a short preview of each, with a
// bounded number of queries in flight.
func (a *App) Summary(ctx context.Context, userID string) (Summary, error) {
	results := make([]SectionSummary, len(domain.Sections))
	now := a.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.summaryConcurrency)
	for i, section := range domain.Sections {
		g.Go(func() error {
			q := store.PhotoQuery{UserID: userID, Section: section, Now: now}
			total, err := a.store.CountPhotos(gctx, q)
			if err != nil {
				return fmt.Errorf("count %s photos: %w", section, err)
			}
			q.Limit = a.previewSize
			preview, err := a.store.ListPhotos(gctx, q)
			if err != nil {
				return fmt.Errorf("preview %s photos: %w", section, err)
			}
			results[i] = SectionSummary{Total: total, Preview: a.normalize(preview)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	out := Summary{Sections: make(map[domain.Section]SectionSummary, len(results))}
	for i, section := range domain.Sections {
		out.Sections[section] = results[i]
	}
	return out, nil
}

func (a *App) normalize(photos []domain.Photo) []domain.Photo {
	out := make([]domain.Photo, len(photos))
	for i, p := range photos {
		p.URL = a.publicURL(p.ObjectKey)
		out[i] = p
	}
	return out
}

func (a *App) publicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if a.publicDomain == "" {
		return "/" + key
	}
	return a.publicDomain + "/" + key
}
