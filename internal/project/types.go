package project

import (
	"time"
)

// SubmissionStatus encodes the review sub-states of a draft; values are ordered.
type SubmissionStatus int

const (
	StatusUnsubmitted       SubmissionStatus = 0
	StatusNeedsAssignment   SubmissionStatus = 10
	StatusNeedsDecision     SubmissionStatus = 20
	StatusNeedsResubmission SubmissionStatus = 30
	StatusNeedsCopyedit     SubmissionStatus = 40
	StatusNeedsApproval     SubmissionStatus = 50
	StatusNeedsPublication  SubmissionStatus = 60
)

func (s SubmissionStatus) String() string {
	switch s {
	case StatusUnsubmitted:
		return "unsubmitted"
	case StatusNeedsAssignment:
		return "needs_assignment"
	case StatusNeedsDecision:
		return "needs_decision"
	case StatusNeedsResubmission:
		return "needs_resubmission"
	case StatusNeedsCopyedit:
		return "needs_copyedit"
	case StatusNeedsApproval:
		return "needs_approval"
	case StatusNeedsPublication:
		return "needs_publication"
	}
	return "unknown"
}

// ParseSubmissionStatus accepts the names produced by String.
func ParseSubmissionStatus(s string) (SubmissionStatus, bool) {
	for _, st := range []SubmissionStatus{
		StatusUnsubmitted, StatusNeedsAssignment, StatusNeedsDecision, StatusNeedsResubmission,
		StatusNeedsCopyedit, StatusNeedsApproval, StatusNeedsPublication,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// UnderReview reports whether the draft has left the author's hands.
func (s SubmissionStatus) UnderReview() bool {
	return s > StatusUnsubmitted && s != StatusNeedsResubmission
}

// FilesEditable reports whether draft files may change in this state.
func (s SubmissionStatus) FilesEditable() bool {
	return s == StatusUnsubmitted || s == StatusNeedsResubmission || s == StatusNeedsCopyedit
}

// ArchiveReason records why a draft became terminal without publication.
type ArchiveReason int

const (
	ArchiveDeletedByUser ArchiveReason = 1
	ArchiveTimedOut      ArchiveReason = 2
	ArchiveRejected      ArchiveReason = 3
)

func (r ArchiveReason) String() string {
	switch r {
	case ArchiveDeletedByUser:
		return "deleted_by_user"
	case ArchiveTimedOut:
		return "timed_out"
	case ArchiveRejected:
		return "rejected"
	}
	return "unknown"
}

func (r ArchiveReason) Valid() bool {
	return r >= ArchiveDeletedByUser && r <= ArchiveRejected
}

// Core anchors all versions of one logical dataset and tracks cumulative storage.
type Core struct {
	ID                 string    `json:"id"`
	StorageAllowance   int64     `json:"storage_allowance"`
	TotalPublishedSize int64     `json:"total_published_size"`
	CreatedAt          time.Time `json:"created_at"`
}

// Active is a mutable draft version.
type Active struct {
	ID                 string           `json:"id"`
	CoreID             string           `json:"core_id"`
	Title              string           `json:"title"`
	Version            string           `json:"version"`
	SubmittingAuthor   string           `json:"submitting_author"`
	AccessPolicy       AccessPolicy     `json:"access_policy"`
	AllowFileDownloads bool             `json:"allow_file_downloads"`
	RequiredTrainings  []string         `json:"required_trainings,omitempty"`
	SubmissionStatus   SubmissionStatus `json:"submission_status"`
	CreatedAt          time.Time        `json:"created_at"`
	ModifiedAt         time.Time        `json:"modified_at"`
	SubmittedAt        *time.Time       `json:"submitted_at,omitempty"`
}

// Published is the immutable record of a released version.
type Published struct {
	ID                     string       `json:"id"`
	CoreID                 string       `json:"core_id"`
	Slug                   string       `json:"slug"`
	Version                string       `json:"version"`
	Title                  string       `json:"title"`
	AccessPolicy           AccessPolicy `json:"access_policy"`
	AllowFileDownloads     bool         `json:"allow_file_downloads"`
	DeprecatedFiles        bool         `json:"deprecated_files"`
	RequiredTrainings      []string     `json:"required_trainings,omitempty"`
	MainStorageSize        int64        `json:"main_storage_size"`
	CompressedStorageSize  int64        `json:"compressed_storage_size"`
	IncrementalStorageSize int64        `json:"incremental_storage_size"`
	IsLatestVersion        bool         `json:"is_latest_version"`
	PublishedAt            time.Time    `json:"published_at"`
}

// Archived is the terminal record of a draft that was not published.
type Archived struct {
	ID               string        `json:"id"`
	CoreID           string        `json:"core_id"`
	Title            string        `json:"title"`
	Version          string        `json:"version"`
	SubmittingAuthor string        `json:"submitting_author"`
	Reason           ArchiveReason `json:"reason"`
	ArchivedAt       time.Time     `json:"archived_at"`
}

// StorageInfo reports quota accounting for a draft.
type StorageInfo struct {
	Allowance      int64 `json:"allowance"`
	PublishedTotal int64 `json:"published_total"`
	Used           int64 `json:"used"`
}

// Remaining returns the bytes still available, never negative.
func (s StorageInfo) Remaining() int64 {
	if s.Used >= s.Allowance {
		return 0
	}
	return s.Allowance - s.Used
}

// IncrementalSize is the storage a new version adds over its predecessor.
func IncrementalSize(total, previousTotal int64) int64 {
	if d := total - previousTotal; d > 0 {
		return d
	}
	return 0
}
