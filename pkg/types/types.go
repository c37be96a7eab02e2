package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a status change is legal.
// Pending -> Running -> {Completed, Failed, Cancelled}; no back-edges.
// A no-op transition (same status) is allowed so idempotent retries of
// a partial write do not get rejected.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusFailed || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to.Terminal()
	}
	return false
}

// TaskType identifies the stage a task drives
type TaskType string

const (
	TaskTypeRoot       TaskType = "root"
	TaskTypeDownload   TaskType = "download"
	TaskTypeTranscribe TaskType = "transcribe"
	TaskTypeEnrich     TaskType = "enrich"
)

// Task is the durable unit of work tracked by the task store
type Task struct {
	TaskID      string     `gorm:"primaryKey;column:task_id;size:36" json:"task_id"`
	Status      TaskStatus `gorm:"column:status;size:16;index" json:"status"`
	TaskType    TaskType   `gorm:"column:task_type;size:16" json:"task_type"`
	Progress    int        `gorm:"column:progress;default:0" json:"progress"`
	Message     string     `gorm:"column:message;type:text" json:"message,omitempty"`
	Error       string     `gorm:"column:error;type:text" json:"error,omitempty"`
	OutputRef   string     `gorm:"column:output_ref;size:512" json:"output_ref,omitempty"`
	SourceURL   string     `gorm:"column:source_url;size:512" json:"source_url,omitempty"`
	QueuedAt    time.Time  `gorm:"column:queued_at" json:"queued_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// EdgeKind is the typed label on a task-to-task edge
type EdgeKind string

const (
	// EdgeDownload links a root task to its download child
	EdgeDownload EdgeKind = "download"
	// EdgeTranscribe links a root task to its transcribe child
	EdgeTranscribe EdgeKind = "transcribe"
	// EdgeEnrich links a root task to its enrich child
	EdgeEnrich EdgeKind = "enrich"
	// EdgeRoot links a child task back to its root
	EdgeRoot EdgeKind = "root"
)

// TaskEdge is a directed, typed edge between two tasks. At most one
// outgoing edge exists per (from_task, edge_kind).
type TaskEdge struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FromTask  string    `gorm:"column:from_task;size:36;uniqueIndex:idx_from_kind,priority:1" json:"from_task"`
	EdgeKind  EdgeKind  `gorm:"column:edge_kind;size:32;uniqueIndex:idx_from_kind,priority:2" json:"edge_kind"`
	ToTask    string    `gorm:"column:to_task;size:36;index" json:"to_task"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for TaskEdge
func (TaskEdge) TableName() string {
	return "task_edges"
}

// WorkKind names a queue and the stage its messages drive
type WorkKind string

const (
	WorkDownload   WorkKind = "download"
	WorkTranscribe WorkKind = "transcribe"
	WorkEnrich     WorkKind = "enrich"
	WorkDefault    WorkKind = "default"
)

// WorkUnit is a queue message driving one stage for one task
type WorkUnit struct {
	ID      string          `json:"id"`
	Kind    WorkKind        `json:"kind"`
	TaskID  string          `json:"task_id"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// DownloadPayload is the payload for a download work unit
type DownloadPayload struct {
	URL     string `json:"url"`
	WorkDir string `json:"work_dir,omitempty"`
}

// TranscribePayload is the payload for a transcribe work unit
type TranscribePayload struct {
	AudioRef string `json:"audio_ref"`
	Language string `json:"language,omitempty"`
}

// EnrichPayload is the payload for an enrich work unit
type EnrichPayload struct {
	SubtitleRef string `json:"subtitle_ref"`
}

// Word is a single recognized word with its audio span in milliseconds
type Word struct {
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Text      string `json:"text"`
}

// Token is a linguistic unit inside a segment: surface text plus
// reading, romanization, part of speech, and an optional time span.
// Time fields stay nil when alignment was skipped for the segment.
type Token struct {
	Text      string `json:"text"`
	Furigana  string `json:"furigana"`
	Romaji    string `json:"romaji"`
	Type      string `json:"type"`
	StartTime *int64 `json:"start_time,omitempty"`
	EndTime   *int64 `json:"end_time,omitempty"`
}

// Segment is one span of transcribed speech. After enrichment it also
// carries per-token analysis and an optional translation.
type Segment struct {
	StartTime    int64   `json:"start_time"`
	EndTime      int64   `json:"end_time"`
	Text         string  `json:"text"`
	Translation  string  `json:"translation,omitempty"`
	WordSegments []Word  `json:"word_segments,omitempty"`
	Tokens       []Token `json:"tokens,omitempty"`
}
