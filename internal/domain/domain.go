package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// SourceJira tags items harvested from the upstream tracker.
const SourceJira = "jira"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// WorkItem is one normalized upstream issue.
type WorkItem struct {
	Key             string     `json:"issue_key"`
	ID              string     `json:"issue_id,omitempty"`
	Title           string     `json:"summary"`
	Assignee        *string    `json:"assignee,omitempty"`
	Status          string     `json:"status"`
	Labels          []string   `json:"labels"`
	TypeID          int        `json:"issue_type_id"`
	TypeName        string     `json:"issue_type_name,omitempty"`
	ParentKey       *string    `json:"parent_key,omitempty"`
	Source          string     `json:"source"`
	Team            *string    `json:"team,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty" format:"date-time"`
	TransitionDate  *time.Time `json:"transition_date,omitempty" format:"date-time"`
	EndDate         *time.Time `json:"end_date,omitempty" format:"date-time"`
	CreatedAt       *time.Time `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty" format:"date-time"`
	HarvestedAt     time.Time  `json:"harvested_at" format:"date-time"`
	BlacklistReason *string    `json:"blacklist_reason,omitempty"`
	Comments        []Comment  `json:"comments,omitempty"`
}

// Comment belongs to a WorkItem by key. ExternalID is nil when upstream did
// not provide one; such comments are never matched against stored rows.
type Comment struct {
	ID         int64      `json:"id,omitempty"`
	IssueKey   string     `json:"issue_key"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty" format:"date-time"`
	ExternalID *string    `json:"external_id,omitempty"`
}

// ChangelogEntry is one field change of one upstream history record. It
// references its issue by upstream id.
type ChangelogEntry struct {
	ID          int64      `json:"id,omitempty"`
	IssueID     string     `json:"issue_id"`
	ChangelogID string     `json:"changelog_id"`
	Field       string     `json:"field_name"`
	FromValue   *string    `json:"from_value,omitempty"`
	ToValue     *string    `json:"to_value,omitempty"`
	FromDisplay *string    `json:"from_display,omitempty"`
	ToDisplay   *string    `json:"to_display,omitempty"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	HarvestedAt *time.Time `json:"harvested_at,omitempty" format:"date-time"`
}

type ChangeType string

const (
	ChangeFieldUpdate      ChangeType = "field_update"
	ChangeIssueCreated     ChangeType = "issue_created"
	ChangeCommentAdded     ChangeType = "comment_added"
	ChangeCommentUpdated   ChangeType = "comment_updated"
	ChangeChangelogAdded   ChangeType = "changelog_added"
	ChangeChangelogUpdated ChangeType = "changelog_updated"
)

// AuditEvent is one row of the append-only local change log.
type AuditEvent struct {
	ID         int64      `json:"id"`
	IssueKey   string     `json:"issue_key"`
	Timestamp  time.Time  `json:"timestamp" format:"date-time"`
	Field      string     `json:"field_name"`
	Value      *string    `json:"updated_value,omitempty"`
	ChangeType ChangeType `json:"change_type" enum:"field_update,issue_created,comment_added,comment_updated,changelog_added,changelog_updated"`
}

type IssueTypeNode struct {
	ID           int    `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	URL          string `json:"url,omitempty" yaml:"url"`
	ChildTypeIDs []int  `json:"child_type_ids" yaml:"child_type_ids"`
}

type ReloadStatus string

const (
	ReloadRunning   ReloadStatus = "running"
	ReloadCompleted ReloadStatus = "completed"
	ReloadFailed    ReloadStatus = "failed"
)

type ReloadSource string

const (
	SourceManual    ReloadSource = "manual"
	SourceAutomatic ReloadSource = "automatic"
	SourceScheduled ReloadSource = "scheduled"
)

// ReloadRecord tracks one harvest execution attempt.
type ReloadRecord struct {
	ID               int64        `json:"reload_id"`
	RunID            string       `json:"run_id"`
	Started          time.Time    `json:"reload_started" format:"date-time"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" format:"date-time"`
	Status           ReloadStatus `json:"status" enum:"running,completed,failed"`
	RecordsProcessed int          `json:"records_processed"`
	IssuesDeleted    int          `json:"issues_deleted"`
	DurationSeconds  *float64     `json:"duration_seconds,omitempty"`
	ErrorMessage     *string      `json:"error_message,omitempty"`
	Source           ReloadSource `json:"source" enum:"manual,automatic,scheduled"`
	TriggeredBy      string       `json:"triggered_by"`
}
