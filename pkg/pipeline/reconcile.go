package pipeline

import (
	"github.com/lexisub/lexisub/pkg/types"
)

// Phase names reported in reconciled snapshots
const (
	PhaseQueued     = "queued"
	PhaseDownload   = "download"
	PhaseTranscribe = "transcribe"
	PhaseEnrich     = "enrich"
	PhaseDone       = "done"
)

// ChildSummary is the per-stage slice of a snapshot
type ChildSummary struct {
	TaskID   string           `json:"task_id"`
	Status   types.TaskStatus `json:"status"`
	Progress int              `json:"progress"`
	Message  string           `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Snapshot is the unified view of a root task and its children
type Snapshot struct {
	TaskID     string           `json:"task_id"`
	Status     types.TaskStatus `json:"status"`
	Progress   int              `json:"progress"`
	Phase      string           `json:"phase"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
	OutputRef  string           `json:"output_ref,omitempty"`
	SourceURL  string           `json:"source_url,omitempty"`
	Download   *ChildSummary    `json:"download_task,omitempty"`
	Transcribe *ChildSummary    `json:"transcribe_task,omitempty"`
	Enrich     *ChildSummary    `json:"subtitle_task,omitempty"`
}

// Stage progress windows within the root's 0-100
const (
	downloadSpan   = 30 // download maps to 0..30
	transcribeSpan = 40 // transcribe maps to 30..70
	enrichSpan     = 30 // enrich maps to 70..100
)

// Reconcile computes the unified status from the root and its
// children. Pure over its inputs; callers invoke it on every read.
// Nil children mean the corresponding stage has not been created yet.
func Reconcile(root *types.Task, download, transcribe, enrich *types.Task) Snapshot {
	snap := Snapshot{
		TaskID:     root.TaskID,
		Status:     root.Status,
		Message:    root.Message,
		OutputRef:  root.OutputRef,
		SourceURL:  root.SourceURL,
		Phase:      PhaseQueued,
		Download:   summarize(download),
		Transcribe: summarize(transcribe),
		Enrich:     summarize(enrich),
	}

	// A failed root reports its own message; a failed child reports
	// that child's error with the phase it was in.
	if root.Status == types.TaskStatusFailed {
		snap.Error = root.Error
		if snap.Error == "" {
			snap.Error = root.Message
		}
	}

	switch {
	case root.Status.Terminal():
		snap.Progress = 100
		snap.Phase = PhaseDone
		if root.Status == types.TaskStatusFailed {
			snap.Phase, snap.Progress = failedPhase(download, transcribe, enrich)
		}
	case enrich != nil:
		snap.Phase = PhaseEnrich
		snap.Progress = downloadSpan + transcribeSpan + enrich.Progress*enrichSpan/100
		snap.Message = enrich.Message
	case transcribe != nil:
		snap.Phase = PhaseTranscribe
		snap.Progress = downloadSpan + transcribe.Progress*transcribeSpan/100
		snap.Message = transcribe.Message
	case download != nil:
		snap.Phase = PhaseDownload
		snap.Progress = download.Progress * downloadSpan / 100
		snap.Message = download.Message
	}

	for _, child := range []*types.Task{download, transcribe, enrich} {
		if child != nil && child.Status == types.TaskStatusFailed {
			snap.Error = child.Error
			break
		}
	}
	return snap
}

// failedPhase pins a failed root's progress at the failing stage's
// offset so clients see where the pipeline stopped.
func failedPhase(download, transcribe, enrich *types.Task) (string, int) {
	switch {
	case enrich != nil && enrich.Status == types.TaskStatusFailed:
		return PhaseEnrich, downloadSpan + transcribeSpan + enrich.Progress*enrichSpan/100
	case transcribe != nil && transcribe.Status == types.TaskStatusFailed:
		return PhaseTranscribe, downloadSpan + transcribe.Progress*transcribeSpan/100
	case download != nil && download.Status == types.TaskStatusFailed:
		return PhaseDownload, download.Progress * downloadSpan / 100
	default:
		return PhaseQueued, 0
	}
}

func summarize(t *types.Task) *ChildSummary {
	if t == nil {
		return nil
	}
	return &ChildSummary{
		TaskID:   t.TaskID,
		Status:   t.Status,
		Progress: t.Progress,
		Message:  t.Message,
		Error:    t.Error,
	}
}
