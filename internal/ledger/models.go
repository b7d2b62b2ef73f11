package ledger

import (
	"strings"
	"time"
)

// Status represents the lifecycle of an ingest job.
type Status string

const (
	StatusPending            Status = "pending"
	StatusExternalProcessing Status = "external_processing"
	StatusDownloading        Status = "cloud_downloading"
	StatusChromakey          Status = "cloud_chromakey"
	StatusAudio              Status = "cloud_audio"
	StatusTranscribing       Status = "cloud_transcribing"
	StatusEmbedding          Status = "cloud_embedding"
	StatusUploading          Status = "cloud_uploading"
	StatusHostProcessing     Status = "host_processing"
	StatusCompleted          Status = "completed"
	StatusSkippedTooShort    Status = "skipped_too_short"
	StatusFailed             Status = "failed"
	StatusChromakeyFailed    Status = "chromakey_failed"

	StatusArchiveDownloading  Status = "archief_downloading"
	StatusArchiveAudio        Status = "archief_audio"
	StatusArchiveTranscribing Status = "archief_transcribing"
	StatusArchiveTranscribed  Status = "archived_transcribed"
	StatusArchiveFailed       Status = "archief_failed"
)

// ClaimableStatuses is the set a job must be in for a claim to succeed.
// Failed and chromakey_failed are deliberately claimable so failed jobs are
// picked up again on the next pass.
var ClaimableStatuses = []Status{
	StatusPending,
	StatusFailed,
	StatusChromakeyFailed,
}

// TransitionalStatuses are the in-flight states the watchdog scans for
// staleness.
var TransitionalStatuses = []Status{
	StatusExternalProcessing,
	StatusDownloading,
	StatusChromakey,
	StatusAudio,
	StatusTranscribing,
	StatusEmbedding,
	StatusUploading,
	StatusHostProcessing,
	StatusArchiveDownloading,
	StatusArchiveAudio,
	StatusArchiveTranscribing,
}

var transitionalSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(TransitionalStatuses))
	for _, status := range TransitionalStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// IsTransitional reports whether a status reflects in-flight work.
func IsTransitional(status Status) bool {
	_, ok := transitionalSet[status]
	return ok
}

// Job is one row in the ingest_jobs table: one source media file.
type Job struct {
	ID             string   `json:"id"`
	SourceFileID   string   `json:"source_file_id"`
	SourceFolderID string   `json:"source_folder_id,omitempty"`
	DisplayName    string   `json:"display_name,omitempty"`
	Status         Status   `json:"status"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Transcript     *string  `json:"transcript,omitempty"`
	DurationSec    *int     `json:"duration_seconds,omitempty"`
	HostAssetID    string   `json:"host_asset_id,omitempty"`
	HostPlaybackID string   `json:"host_playback_id,omitempty"`
	CorpusDocID    string   `json:"corpus_document_id,omitempty"`
	AITechniqueID  string   `json:"ai_technique_id,omitempty"`
	AIConfidence   *float64 `json:"ai_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lane identifies an independently schedulable batch.
type Lane string

const (
	LaneFull    Lane = "full"
	LaneArchive Lane = "archive"
)

// ParseLane converts a string into a known Lane.
func ParseLane(value string) (Lane, bool) {
	switch Lane(strings.ToLower(strings.TrimSpace(value))) {
	case LaneFull:
		return LaneFull, true
	case LaneArchive:
		return LaneArchive, true
	default:
		return "", false
	}
}

// LaneState is the persisted per-lane batch record. Counters are
// monitoring-only: the authority for whether a job has been processed is
// always the job's status.
type LaneState struct {
	Lane          Lane       `json:"lane"`
	Active        bool       `json:"active"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TotalJobs     int        `json:"total_jobs"`
	ProcessedJobs int        `json:"processed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func statusList(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, status := range statuses {
		parts[i] = string(status)
	}
	return strings.Join(parts, ",")
}
