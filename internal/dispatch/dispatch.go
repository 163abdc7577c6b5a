// Package dispatch implements the Dispatch Validator: parsing and
// validating inbound dispatch envelopes and outbound completion contracts,
// plus the session-routing rules that gate worker-lane reuse.
//
// This is a pure parsing/validation concern with no natural third-party
// library home anywhere in the reference stack or the wider example pack
// (it is regex/JSON-shape checking over already-decoded Go values) — see
// DESIGN.md for the explicit standard-library justification required by
// every stdlib-only part of this module.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/kit"
)

// ValidationResult is the typed outcome of a validation pass, replacing
// exceptions with an explicit value — matching connectivity.Router.Call's
// typed-error-over-panic style.
type ValidationResult struct {
	Valid   bool
	Missing []string // human-readable field names / reason codes
}

func fail(reasons ...string) ValidationResult {
	return ValidationResult{Valid: false, Missing: reasons}
}

var (
	runIDShape    = regexp.MustCompile(`^\S+$`)
	branchShape   = regexp.MustCompile(`^jarvis-[A-Za-z0-9._/-]+$`)
	sessionShape  = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	repoShape     = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	commitShaHex  = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)
	loopbackBase  = regexp.MustCompile(`^https?://127\.0\.0\.1(:\d+)?(/|$)`)
	screenshotDir = regexp.MustCompile(`(?i)(screenshot|screen[_-]?capture|image[_-]?analysis|capture[_-]?screen)`)
)

var validTaskTypes = map[string]bool{
	"analyze": true, "implement": true, "fix": true, "refactor": true,
	"test": true, "release": true, "research": true, "code": true,
}

// NoCodeAllowedPrefixes is the exported, overridable run_id-prefix list
// that opts a completion into "no code changes" handling even when the
// caller did not explicitly set allow_no_code_changes: the explicit flag
// on OutputContract is the primary check, this is the documented fallback.
var NoCodeAllowedPrefixes = []string{"ping-", "smoke-", "health-", "sync-"}

// ParseDispatchEnvelope extracts and decodes a dispatch envelope from a
// message body: either a bare JSON object or one embedded anywhere in the
// text (first '{' .. last '}').
func ParseDispatchEnvelope(body string) (*model.DispatchEnvelope, bool) {
	raw, ok := extractJSONObject(body)
	if !ok {
		return nil, false
	}
	var env model.DispatchEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false
	}
	if env.RunID == "" {
		return nil, false
	}
	return &env, true
}

func extractJSONObject(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, true
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return body[start : end+1], true
}

// ValidateDispatchEnvelope checks every dispatch-envelope rule except
// session-routing (see ValidateSessionRouting, which needs storage access).
func ValidateDispatchEnvelope(env *model.DispatchEnvelope) ValidationResult {
	var missing []string

	if env.RunID == "" || strings.ContainsAny(env.RunID, " \t\n\r") || len(env.RunID) > 64 {
		missing = append(missing, "run_id")
	}
	if !validTaskTypes[env.TaskType] {
		missing = append(missing, "task_type")
	}
	if env.ContextIntent != model.IntentFresh && env.ContextIntent != model.IntentContinue {
		missing = append(missing, "context_intent")
	}
	if env.ContextIntent == model.IntentFresh && env.SessionID != "" {
		missing = append(missing, "context_intent=fresh must not carry session_id")
	}
	if strings.TrimSpace(env.Input) == "" {
		missing = append(missing, "input")
	} else if screenshotDir.MatchString(env.Input) {
		missing = append(missing, "input contains a screenshot-capture directive")
	}
	if !repoShape.MatchString(env.Repo) {
		missing = append(missing, "repo")
	}
	if !branchShape.MatchString(env.Branch) || env.Branch == "jarvis-" {
		missing = append(missing, "branch")
	}
	if env.SessionID != "" {
		if len(env.SessionID) > 128 || !sessionShape.MatchString(env.SessionID) {
			missing = append(missing, "session_id")
		}
	}
	if env.ParentRunID != "" {
		if len(env.ParentRunID) > 64 || strings.ContainsAny(env.ParentRunID, " \t\n\r") {
			missing = append(missing, "parent_run_id")
		}
	}
	if len(env.AcceptanceTests) == 0 {
		missing = append(missing, "acceptance_tests")
	} else {
		for _, t := range env.AcceptanceTests {
			if strings.TrimSpace(t) == "" || screenshotDir.MatchString(t) {
				missing = append(missing, "acceptance_tests contains an empty entry or screenshot directive")
				break
			}
		}
	}

	required := map[string]bool{}
	for _, f := range env.OutputContract.RequiredFields {
		required[f] = true
	}
	for _, f := range []string{"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk"} {
		if !required[f] {
			missing = append(missing, "output_contract.required_fields missing "+f)
		}
	}
	if !required["pr_url"] && !required["pr_skipped_reason"] {
		missing = append(missing, "output_contract.required_fields must include pr_url or pr_skipped_reason")
	}
	if env.ContextIntent == model.IntentContinue && !required["session_id"] {
		missing = append(missing, "output_contract.required_fields must include session_id when context_intent=continue")
	}

	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}

// ValidateDispatchEnvelopeLogged runs ValidateDispatchEnvelope and, on
// rejection, emits a single structured warning carrying whatever run_id/
// chat_jid the caller has already attached to ctx. The orchestrator's inline
// dispatch path uses it; ipcwatch calls ValidateDispatchEnvelope directly
// and reports a rejection through its own dispatch-block warning.
func ValidateDispatchEnvelopeLogged(ctx context.Context, logger *slog.Logger, env *model.DispatchEnvelope) ValidationResult {
	r := ValidateDispatchEnvelope(env)
	if !r.Valid && logger != nil {
		logger.Warn("dispatch: envelope rejected",
			"run_id", kit.GetRequestID(ctx), "chat_jid", kit.GetHandle(ctx), "missing", r.Missing)
	}
	return r
}

// SessionLookup resolves a dispatch envelope's target session, consulting
// storage for ownership/reusability. The store.Gateway-shaped dependency is
// expressed as a minimal interface so this package stays storage-agnostic
// and independently testable.
type SessionLookup interface {
	OwnerGroupFolder(sessionID string) (groupFolder string, found bool, err error)
	LatestReusableSession(groupFolder, repo, branch string) (sessionID string, found bool, err error)
}

// ValidateSessionRouting applies the session-routing rules for a dispatch
// envelope targeting targetFolder.
func ValidateSessionRouting(env *model.DispatchEnvelope, targetFolder string, lookup SessionLookup) ValidationResult {
	if env.SessionID != "" {
		owner, found, err := lookup.OwnerGroupFolder(env.SessionID)
		if err == nil && found && owner != targetFolder {
			return fail("cross-worker session reuse is blocked")
		}
	}
	if env.ContextIntent == model.IntentContinue && env.SessionID == "" {
		_, found, err := lookup.LatestReusableSession(targetFolder, env.Repo, env.Branch)
		if err != nil || !found {
			return fail("context_intent=continue requires a reusable prior session on (target, repo, branch)")
		}
	}
	return ValidationResult{Valid: true}
}

// CompletionValidationInput bundles the expected values a completion must
// match.
type CompletionValidationInput struct {
	ExpectedRunID           string
	ExpectedBranch          string
	ExpectedSessionID       string
	RequiredFields          []string
	BrowserEvidenceRequired bool
	AllowNoCodeChanges      bool
}

// AllowsNoCodeChanges decides whether commit_sha/files_changed may be
// empty/placeholder, combining the explicit flag with the run_id-prefix
// fallback and a present pr_skipped_reason.
func AllowsNoCodeChanges(in CompletionValidationInput, c *model.CompletionContract) bool {
	if in.AllowNoCodeChanges {
		return true
	}
	if c != nil && c.PRSkippedReason != "" {
		return true
	}
	for _, p := range NoCodeAllowedPrefixes {
		if strings.HasPrefix(in.ExpectedRunID, p) {
			return true
		}
	}
	return false
}

var noCodePlaceholders = map[string]bool{"n/a": true, "na": true, "none": true, "no-commit": true, "": true}

// ParseCompletionContract extracts the body of the first
// <completion>...</completion> block (case-insensitive), retrying that body
// after a heuristic one-layer unescape when it does not decode as-is. Without
// a decodable block it falls back to a ```json fenced block, then to bare
// JSON.
func ParseCompletionContract(output string) (*model.CompletionContract, bool) {
	if body, ok := extractTagBlock(output, "completion"); ok {
		if c, ok := decodeCompletion(body); ok {
			return c, true
		}
		if unescaped := heuristicUnescape(body); unescaped != body {
			if c, ok := decodeCompletion(unescaped); ok {
				return c, true
			}
		}
	}
	if body, ok := extractFencedJSON(output); ok {
		if c, ok := decodeCompletion(body); ok {
			return c, true
		}
	}
	if raw, ok := extractJSONObject(output); ok {
		if c, ok := decodeCompletion(raw); ok {
			return c, true
		}
	}
	return nil, false
}

func decodeCompletion(body string) (*model.CompletionContract, bool) {
	raw, ok := extractJSONObject(body)
	if !ok {
		return nil, false
	}
	var c model.CompletionContract
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false
	}
	return &c, true
}

func extractTagBlock(s, tag string) (string, bool) {
	lower := strings.ToLower(s)
	open := "<" + tag + ">"
	close_ := "</" + tag + ">"
	start := strings.Index(lower, open)
	if start == -1 {
		return "", false
	}
	start += len(open)
	end := strings.Index(lower[start:], close_)
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(s[start : start+end]), true
}

func extractFencedJSON(s string) (string, bool) {
	const fence = "```json"
	start := strings.Index(s, fence)
	if start == -1 {
		return "", false
	}
	start += len(fence)
	end := strings.Index(s[start:], "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(s[start : start+end]), true
}

func heuristicUnescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+strings.Trim(s, `"`)+`"`), &out); err != nil {
		return s
	}
	return out
}

// ValidateCompletionContract checks every completion-contract rule.
func ValidateCompletionContract(c *model.CompletionContract, in CompletionValidationInput) ValidationResult {
	var missing []string

	if c.RunID != in.ExpectedRunID {
		missing = append(missing, "run_id mismatch")
	}
	if c.Branch != in.ExpectedBranch {
		missing = append(missing, "branch mismatch")
	} else if !branchShape.MatchString(c.Branch) {
		missing = append(missing, "branch format")
	}

	noCode := AllowsNoCodeChanges(in, c)
	switch {
	case commitShaHex.MatchString(c.CommitSHA):
		// ok
	case noCode && noCodePlaceholders[strings.ToLower(c.CommitSHA)]:
		// ok
	default:
		missing = append(missing, "commit_sha format")
	}

	if len(c.FilesChanged) == 0 {
		if !noCode {
			missing = append(missing, "files_changed")
		}
	} else {
		for _, f := range c.FilesChanged {
			if strings.TrimSpace(f) == "" {
				missing = append(missing, "files_changed contains an empty entry")
				break
			}
		}
	}

	if strings.TrimSpace(c.TestResult) == "" {
		missing = append(missing, "test_result")
	}
	if strings.TrimSpace(c.Risk) == "" {
		missing = append(missing, "risk")
	}

	hasPR, hasSkip := c.PRUrl != "", c.PRSkippedReason != ""
	if hasPR == hasSkip {
		missing = append(missing, "exactly one of pr_url or pr_skipped_reason must be present")
	}

	for _, f := range in.RequiredFields {
		if f == "session_id" {
			if c.SessionID == "" || len(c.SessionID) > 128 || !sessionShape.MatchString(c.SessionID) {
				missing = append(missing, "session_id")
			}
		}
	}

	if in.BrowserEvidenceRequired {
		if c.BrowserEvidence == nil {
			missing = append(missing, "browser_evidence required")
		} else {
			be := c.BrowserEvidence
			if !loopbackBase.MatchString(be.BaseURL) {
				missing = append(missing, "browser_evidence.base_url")
			}
			if len(be.ToolsListed) == 0 {
				missing = append(missing, "browser_evidence.tools_listed")
			}
			if len(be.ExecuteToolEvidence) == 0 {
				missing = append(missing, "browser_evidence.execute_tool_evidence")
			}
			for _, s := range append(append([]string{}, be.ToolsListed...), be.ExecuteToolEvidence...) {
				if screenshotDir.MatchString(s) {
					missing = append(missing, "browser_evidence.no_screenshots")
					break
				}
			}
		}
	}

	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}
