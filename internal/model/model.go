// Package model defines the typed domain values shared across the
// dispatch-and-execution core: lanes, messages, sessions, worker runs, and
// the JSON envelopes that cross lane boundaries.
package model

import "encoding/json"

// Lane is a registered execution context (RegisteredGroup): a chat JID with
// a safe on-disk folder, a trigger policy, and optional container config.
type Lane struct {
	JID             string          `json:"jid"`
	Folder          string          `json:"folder"`
	DisplayName     string          `json:"display_name"`
	TriggerPattern  string          `json:"trigger_pattern"`
	RequiresTrigger bool            `json:"requires_trigger"`
	IsPlanner       bool            `json:"is_planner"`
	IsWorker        bool            `json:"is_worker"`
	ContainerConfig json.RawMessage `json:"container_config,omitempty"`
	UpdatedAt       int64           `json:"updated_at"`
}

// Fingerprint changes whenever a field that should force the lane's
// in-memory registration to be torn down and rebuilt changes — mirrors
// channels.channelRow.fingerprint.
func (l Lane) Fingerprint() string {
	return l.Folder + "|" + l.TriggerPattern + "|" + string(l.ContainerConfig)
}

// Message is one stored chat message, ordered within a chat by IngestSeq.
type Message struct {
	ChatJID      string `json:"chat_jid"`
	ID           string `json:"id"`
	Sender       string `json:"sender"`
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	TimestampRFC string `json:"timestamp"`
	IsBotMessage bool   `json:"is_bot_message"`
	IngestSeq    int64  `json:"ingest_seq"`
}

// InsertOutcome is the explicit result of insert_worker_run, replacing
// exceptions/sentinel errors with a named enum.
type InsertOutcome string

const (
	InsertNew       InsertOutcome = "new"
	InsertRetry     InsertOutcome = "retry"
	InsertDuplicate InsertOutcome = "duplicate"
)

// Worker run status and phase enums.
type RunStatus string

const (
	StatusQueued          RunStatus = "queued"
	StatusRunning         RunStatus = "running"
	StatusReviewRequested RunStatus = "review_requested"
	StatusFailedContract  RunStatus = "failed_contract"
	StatusFailed          RunStatus = "failed"
	StatusDone            RunStatus = "done"
)

// IsTerminal reports whether status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusFailedContract, StatusDone:
		return true
	default:
		return false
	}
}

type RunPhase string

const (
	PhaseQueued                  RunPhase = "queued"
	PhaseSpawning                RunPhase = "spawning"
	PhaseActive                  RunPhase = "active"
	PhaseCompletionValidating    RunPhase = "completion_validating"
	PhaseCompletionRepairPending RunPhase = "completion_repair_pending"
	PhaseCompletionRepairActive  RunPhase = "completion_repair_active"
	PhaseFinalizing              RunPhase = "finalizing"
	PhaseTerminal                RunPhase = "terminal"
)

type ContextIntent string

const (
	IntentFresh    ContextIntent = "fresh"
	IntentContinue ContextIntent = "continue"
)

type SessionSelectionSource string

const (
	SessionExplicit       SessionSelectionSource = "explicit"
	SessionAutoRepoBranch SessionSelectionSource = "auto_repo_branch"
	SessionNew            SessionSelectionSource = "new"
)

// WorkerRun is the ledger row tracked per run_id.
type WorkerRun struct {
	RunID       string
	GroupFolder string
	Status      RunStatus
	Phase       RunPhase

	StartedAt   int64
	CompletedAt *int64
	RetryCount  int

	DispatchRepo   string
	DispatchBranch string
	ContextIntent  ContextIntent
	ParentRunID    string

	DispatchSessionID   string
	SelectedSessionID   string
	EffectiveSessionID  string
	SessionSource       SessionSelectionSource
	SessionResumeStatus string
	SessionResumeError  string

	LastHeartbeatAt int64
	ActiveContainer string
	NoContainerSince *int64

	ExpectsFollowupContainer bool
	SupervisorOwner          string
	LeaseExpiresAt           int64
	RecoveredFromReason      string

	ResultSummary string
	ErrorDetails  string // JSON
	BranchName    string
	CommitSHA     string
	FilesChanged  []string
	TestSummary   string
	RiskSummary   string
	PRUrl         string
}

// DispatchEnvelope is the strict JSON contract the planner lane sends to a
// worker lane.
type DispatchEnvelope struct {
	RunID          string           `json:"run_id"`
	TaskType       string           `json:"task_type"`
	ContextIntent  ContextIntent    `json:"context_intent"`
	Input          string           `json:"input"`
	Repo           string           `json:"repo"`
	BaseBranch     string           `json:"base_branch,omitempty"`
	Branch         string           `json:"branch"`
	AcceptanceTests []string        `json:"acceptance_tests"`
	OutputContract OutputContract   `json:"output_contract"`
	Priority       string           `json:"priority,omitempty"`
	UIImpacting    bool             `json:"ui_impacting,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	ParentRunID    string           `json:"parent_run_id,omitempty"`
}

// OutputContract declares the required fields of the completion the worker
// must return, and whether browser evidence is mandatory.
type OutputContract struct {
	RequiredFields          []string `json:"required_fields"`
	BrowserEvidenceRequired bool     `json:"browser_evidence_required,omitempty"`
	AllowNoCodeChanges      bool     `json:"allow_no_code_changes,omitempty"`
}

// BrowserEvidence is the optional loopback-bound proof of UI verification.
type BrowserEvidence struct {
	BaseURL             string   `json:"base_url"`
	ToolsListed         []string `json:"tools_listed"`
	ExecuteToolEvidence []string `json:"execute_tool_evidence"`
}

// CompletionContract is the strict JSON block a worker lane must emit,
// wrapped in <completion>...</completion>.
type CompletionContract struct {
	RunID           string           `json:"run_id"`
	Branch          string           `json:"branch"`
	CommitSHA       string           `json:"commit_sha"`
	FilesChanged    []string         `json:"files_changed,omitempty"`
	TestResult      string           `json:"test_result"`
	Risk            string           `json:"risk"`
	PRUrl           string           `json:"pr_url,omitempty"`
	PRSkippedReason string           `json:"pr_skipped_reason,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	BrowserEvidence *BrowserEvidence `json:"browser_evidence,omitempty"`
}

// DispatchBlockEvent is recorded when a cross-lane dispatch is refused.
type DispatchBlockEvent struct {
	Timestamp    string `json:"timestamp"`
	SourceGroup  string `json:"source_group"`
	SourceJID    string `json:"source_jid,omitempty"`
	TargetJID    string `json:"target_jid"`
	TargetFolder string `json:"target_folder,omitempty"`
	ReasonCode   string `json:"reason_code"`
	ReasonText   string `json:"reason_text"`
	RunID        string `json:"run_id,omitempty"`
}

// Dispatch-block reason codes.
const (
	ReasonUnauthorizedSourceLane    = "unauthorized_source_lane"
	ReasonTargetAuthorizationFailed = "target_authorization_failed"
	ReasonInvalidDispatchPayload    = "invalid_dispatch_payload"
	ReasonDuplicateRunID            = "duplicate_run_id"
)

// IPCEnvelope is the generic shape of a file dropped into
// data/ipc/<lane>/{messages,tasks}/*.json — Type discriminates message vs
// task kinds, the rest is decoded per-type.
type IPCEnvelope struct {
	Type    string          `json:"type"`
	ChatJID string          `json:"chatJid,omitempty"`
	Text    string          `json:"text,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// TaskEnvelope is the typed shape of a task/* IPC file.
type TaskEnvelope struct {
	Type         string `json:"type"` // schedule_task|pause_task|resume_task|cancel_task|refresh_groups|register_group
	TargetJID    string `json:"targetJid,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	FolderName   string `json:"folderName,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
}

// ContainerOutput is one event emitted by the container driver's stdout
// stream, as framed between the NANOCLAW_OUTPUT markers.
type ContainerOutput struct {
	Status             string `json:"status"` // streaming|success|error
	Result             string `json:"result,omitempty"`
	NewSessionID       string `json:"new_session_id,omitempty"`
	SessionResumeStatus string `json:"session_resume_status,omitempty"`
	SessionResumeError  string `json:"session_resume_error,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`
}

// Usage is the optional resource-usage summary a container emits.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	DurationMs   int `json:"duration_ms"`
	PeakRSSMB    int `json:"peak_rss_mb"`
}
