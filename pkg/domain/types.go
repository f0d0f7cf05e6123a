package domain

import "time"

type TaskStatus string

const (
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusError   TaskStatus = "error"
)

// Terminal reports whether no worker attempt will move the task further.
// An errored task may still be picked up again while its job has retries left.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

type Plan string

const (
	PlanFree  Plan = "free"
	PlanStart Plan = "start"
	PlanPro   Plan = "pro"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Section is the tier bucket a photo belongs to.
type Section string

const (
	SectionUploaded Section = "uploaded"
	SectionFree     Section = "free"
	SectionStart    Section = "start"
	SectionPro      Section = "pro"
)

// Sections lists every section in display order.
var Sections = []Section{SectionUploaded, SectionFree, SectionStart, SectionPro}

// ParseSection normalizes a section name.
func ParseSection(raw string) (Section, bool) {
	for _, s := range Sections {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// Paginated reports whether the section is large enough to page through.
func (s Section) Paginated() bool {
	return s == SectionStart || s == SectionPro
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Upload struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	ObjectKey   string     `json:"objectKey"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"contentType"`
	Dimensions  Dimensions `json:"dimensions"`
	SizeBytes   int64      `json:"sizeBytes"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Task struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	UploadID       string     `json:"uploadId"`
	Plan           Plan       `json:"plan"`
	Gender         Gender     `json:"gender"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	JobID          string     `json:"jobId,omitempty"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	ETASeconds     int        `json:"etaSeconds"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type Photo struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	Section      Section    `json:"section"`
	Sequence     int        `json:"sequence"`
	ObjectKey    string     `json:"objectKey"`
	OriginalName string     `json:"originalName"`
	Dimensions   Dimensions `json:"dimensions"`
	SizeBytes    int64      `json:"sizeBytes"`
	URL          string     `json:"url,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the photo is past its expiry at now.
func (p Photo) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// DailyQuota counts free-plan generations per user and UTC day.
type DailyQuota struct {
	UserID    string `json:"userId"`
	Day       string `json:"day"`
	UsedCount int    `json:"usedCount"`
}
