package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

func TestListSectionPaginatesPaidSections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedTask(t, "task-1", "user-1", domain.StatusDone)
	h.seedPhotos(t, "task-1", domain.SectionPro, 45, nil)

	page, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "pro", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Photos) != 20 || page.Pagination != (Pagination{Total: 45, HasMore: true, Page: 1, Limit: 20}) {
		t.Fatalf("first page: %d photos, %+v", len(page.Photos), page.Pagination)
	}
	if page.Photos[0].Sequence != 1 {
		t.Fatalf("photos not in creation order: first seq %d", page.Photos[0].Sequence)
	}

	last, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "pro", 3, 20)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(last.Photos) != 5 || last.Pagination.HasMore {
		t.Fatalf("last page: %d photos, %+v", len(last.Photos), last.Pagination)
	}

	clamped, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "pro", 1, 500)
	if err != nil {
		t.Fatalf("list clamped: %v", err)
	}
	if clamped.Pagination.Limit != 50 || len(clamped.Photos) != 45 {
		t.Fatalf("limit not clamped: %+v", clamped.Pagination)
	}
}

func TestListSectionPageBounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedTask(t, "task-1", "user-1", domain.StatusDone)
	h.seedPhotos(t, "task-1", domain.SectionPro, 45, nil)

	_, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "pro", math.MaxInt/20+2, 20)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for overflowing page, got %v", err)
	}

	beyond, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "pro", 1000, 20)
	if err != nil {
		t.Fatalf("list page 1000: %v", err)
	}
	if len(beyond.Photos) != 0 || beyond.Pagination != (Pagination{Total: 45, HasMore: false, Page: 1000, Limit: 20}) {
		t.Fatalf("page past the end: %d photos, %+v", len(beyond.Photos), beyond.Pagination)
	}
}

func TestListSectionReturnsSmallSectionsWhole(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedTask(t, "task-1", "user-1", domain.StatusDone)
	future := testNow.Add(24 * time.Hour)
	past := testNow.Add(-time.Minute)
	h.seedPhotos(t, "task-1", domain.SectionFree, 2, &future)
	h.seedTask(t, "task-2", "user-1", domain.StatusDone)
	h.seedPhotos(t, "task-2", domain.SectionFree, 3, &past)

	page, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "free", 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Photos) != 2 {
		t.Fatalf("expected the two unexpired photos, got %d", len(page.Photos))
	}
	if page.Pagination != (Pagination{Total: 2, HasMore: false, Page: 1, Limit: 2}) {
		t.Fatalf("pagination: %+v", page.Pagination)
	}
	for _, p := range page.Photos {
		if !strings.HasPrefix(p.URL, "https://cdn.test/results/task-1/free/") {
			t.Fatalf("url not normalized: %q", p.URL)
		}
	}
}

func TestListSectionTaskScope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedTask(t, "task-1", "user-1", domain.StatusDone)
	h.seedTask(t, "task-2", "user-1", domain.StatusDone)
	h.seedPhotos(t, "task-1", domain.SectionStart, 3, nil)
	h.seedPhotos(t, "task-2", domain.SectionStart, 4, nil)

	page, err := h.app.ListSection(ctx, Scope{UserID: "user-1", TaskID: "task-2"}, "start", 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Total != 4 {
		t.Fatalf("task scope leaked photos: total %d", page.Pagination.Total)
	}
	if _, err := h.app.ListSection(ctx, Scope{UserID: "user-2", TaskID: "task-2"}, "start", 1, 10); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if _, err := h.app.ListSection(ctx, Scope{UserID: "user-1", TaskID: "nope"}, "start", 1, 10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.app.ListSection(ctx, Scope{UserID: "user-1"}, "gold", 1, 10); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSummaryCountsEverySection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedTask(t, "task-1", "user-1", domain.StatusDone)
	h.seedPhotos(t, "task-1", domain.SectionUploaded, 1, nil)
	h.seedPhotos(t, "task-1", domain.SectionPro, 9, nil)
	h.seedTask(t, "task-other", "user-2", domain.StatusDone)
	h.seedPhotos(t, "task-other", domain.SectionFree, 2, nil)

	sum, err := h.app.Summary(ctx, "user-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Sections) != len(domain.Sections) {
		t.Fatalf("expected every section, got %v", sum.Sections)
	}
	if pro := sum.Sections[domain.SectionPro]; pro.Total != 9 || len(pro.Preview) != 4 {
		t.Fatalf("pro summary: total %d preview %d", pro.Total, len(pro.Preview))
	}
	if up := sum.Sections[domain.SectionUploaded]; up.Total != 1 || len(up.Preview) != 1 {
		t.Fatalf("uploaded summary: %+v", up)
	}
	if free := sum.Sections[domain.SectionFree]; free.Total != 0 || len(free.Preview) != 0 {
		t.Fatalf("other user's photos leaked: %+v", free)
	}
}
