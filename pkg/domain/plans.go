package domain

import (
	"fmt"
	"path"
	"strconv"
	"time"
)

// DayLayout formats UTC day buckets for quota accounting.
const DayLayout = "2006-01-02"

// DayBucket returns the UTC day bucket for t.
func DayBucket(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// UntilNextDay returns the time left until the next UTC midnight.
func UntilNextDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// PlanTable maps a plan to its output quantity and expiry policy.
type PlanTable struct {
	Quantity map[Plan]int
	// Expiry is the lifetime of photos in a section; zero means no expiry.
	Expiry map[Section]time.Duration
}

// DefaultPlanTable returns the production plan table.
func DefaultPlanTable() PlanTable {
	return PlanTable{
		Quantity: map[Plan]int{
			PlanFree:  2,
			PlanStart: 20,
			PlanPro:   50,
		},
		Expiry: map[Section]time.Duration{
			SectionFree:  24 * time.Hour,
			SectionStart: 30 * 24 * time.Hour,
		},
	}
}

// QuantityFor returns how many photos a plan produces.
func (t PlanTable) QuantityFor(p Plan) (int, error) {
	n, ok := t.Quantity[p]
	if !ok || n <= 0 {
		return 0, fmt.Errorf("no quantity configured for plan %q", p)
	}
	return n, nil
}

// ExpiresAt returns the expiry for a photo created at now in section s.
func (t PlanTable) ExpiresAt(s Section, now time.Time) *time.Time {
	ttl := t.Expiry[s]
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl).UTC()
	return &exp
}

// SectionFor returns the output section of a plan.
func SectionFor(p Plan) Section {
	return Section(p)
}

// ResultKey builds the results/{taskId}/{section}/{sequence} object key.
func ResultKey(taskID string, section Section, sequence int) string {
	return path.Join("results", taskID, string(section), strconv.Itoa(sequence))
}

// UploadKey builds the uploads/{userId}/{uploadId}/{name} object key.
func UploadKey(userID, uploadID, name string) string {
	return path.Join("uploads", userID, uploadID, name)
}
