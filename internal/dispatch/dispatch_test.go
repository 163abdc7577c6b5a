package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/kit"
)

func validEnvelope() *model.DispatchEnvelope {
	return &model.DispatchEnvelope{
		RunID:         "task-001",
		TaskType:      "implement",
		ContextIntent: model.IntentFresh,
		Input:         "implement x",
		Repo:          "o/r",
		Branch:        "jarvis-x",
		AcceptanceTests: []string{"go test ./..."},
		OutputContract: model.OutputContract{
			RequiredFields: []string{"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk", "pr_url"},
		},
	}
}

func TestValidateDispatchEnvelope_HappyPath(t *testing.T) {
	res := ValidateDispatchEnvelope(validEnvelope())
	if !res.Valid {
		t.Fatalf("expected valid, got missing: %v", res.Missing)
	}
}

func TestRunIDLengthBoundary(t *testing.T) {
	env := validEnvelope()
	env.RunID = strings.Repeat("a", 64)
	if res := ValidateDispatchEnvelope(env); !res.Valid {
		t.Fatalf("64-char run_id should be accepted, got: %v", res.Missing)
	}

	env.RunID = strings.Repeat("a", 65)
	if res := ValidateDispatchEnvelope(env); res.Valid {
		t.Fatal("65-char run_id should be rejected")
	}
}

func TestBranchBoundary(t *testing.T) {
	env := validEnvelope()
	env.Branch = "jarvis-"
	if res := ValidateDispatchEnvelope(env); res.Valid {
		t.Fatal("empty branch suffix should be rejected")
	}

	env.Branch = "jarvis-foo/bar.baz-1"
	if res := ValidateDispatchEnvelope(env); !res.Valid {
		t.Fatalf("valid branch shape rejected: %v", res.Missing)
	}
}

func TestFreshWithSessionIDRejected(t *testing.T) {
	env := validEnvelope()
	env.ContextIntent = model.IntentFresh
	env.SessionID = "sess1"
	res := ValidateDispatchEnvelope(env)
	if res.Valid {
		t.Fatal("fresh + session_id should be rejected")
	}
}

func TestContinueRequiresSessionIDInOutputContract(t *testing.T) {
	env := validEnvelope()
	env.ContextIntent = model.IntentContinue
	env.SessionID = "sess1"
	res := ValidateDispatchEnvelope(env)
	if res.Valid {
		t.Fatal("continue without session_id in required_fields should be rejected")
	}
}

func TestScreenshotDirectiveRejected(t *testing.T) {
	env := validEnvelope()
	env.Input = "please take a screenshot of the page"
	if res := ValidateDispatchEnvelope(env); res.Valid {
		t.Fatal("screenshot directive in input should be rejected")
	}
}

func TestValidateDispatchEnvelopeLogged_RejectionCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	env := validEnvelope()
	env.Branch = "jarvis-"

	ctx := kit.WithRequestID(kit.WithHandle(context.Background(), "123@s.whatsapp.net"), "task-001")
	if res := ValidateDispatchEnvelopeLogged(ctx, logger, env); res.Valid {
		t.Fatal("expected rejection for empty branch suffix")
	}

	out := buf.String()
	if !strings.Contains(out, "task-001") || !strings.Contains(out, "123@s.whatsapp.net") {
		t.Fatalf("expected log line to carry run_id and chat_jid, got: %s", out)
	}
}

func TestValidateDispatchEnvelopeLogged_HappyPathSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if res := ValidateDispatchEnvelopeLogged(context.Background(), logger, validEnvelope()); !res.Valid {
		t.Fatalf("expected valid, got missing: %v", res.Missing)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log output on valid envelope, got: %s", buf.String())
	}
}

type fakeLookup struct {
	owner       map[string]string
	reusable    map[string]string
}

func (f fakeLookup) OwnerGroupFolder(sessionID string) (string, bool, error) {
	v, ok := f.owner[sessionID]
	return v, ok, nil
}

func (f fakeLookup) LatestReusableSession(groupFolder, repo, branch string) (string, bool, error) {
	v, ok := f.reusable[groupFolder+"|"+repo+"|"+branch]
	return v, ok, nil
}

func TestSessionRouting_CrossWorkerReuseBlocked(t *testing.T) {
	env := validEnvelope()
	env.SessionID = "S1"
	lookup := fakeLookup{owner: map[string]string{"S1": "jarvis-worker-1"}}

	res := ValidateSessionRouting(env, "jarvis-worker-2", lookup)
	if res.Valid {
		t.Fatal("cross-worker session reuse should be blocked")
	}
}

func TestSessionRouting_ContinueWithoutReusableSession(t *testing.T) {
	env := validEnvelope()
	env.ContextIntent = model.IntentContinue
	lookup := fakeLookup{}

	res := ValidateSessionRouting(env, "jarvis-worker-1", lookup)
	if res.Valid {
		t.Fatal("continue without a reusable session should be rejected")
	}
	if len(res.Missing) == 0 || !strings.Contains(res.Missing[0], "reusable prior session") {
		t.Fatalf("unexpected reason: %v", res.Missing)
	}
}

func validCompletion() *model.CompletionContract {
	return &model.CompletionContract{
		RunID: "task-001", Branch: "jarvis-x",
		CommitSHA:    strings.Repeat("a", 40),
		FilesChanged: []string{"main.go"},
		TestResult:   "pass", Risk: "low",
		PRUrl: "https://github.com/o/r/pull/1",
	}
}

func TestValidateCompletionContract_HappyPath(t *testing.T) {
	in := CompletionValidationInput{
		ExpectedRunID: "task-001", ExpectedBranch: "jarvis-x",
		RequiredFields: []string{"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk", "pr_url"},
	}
	res := ValidateCompletionContract(validCompletion(), in)
	if !res.Valid {
		t.Fatalf("expected valid: %v", res.Missing)
	}
}

func TestCommitSHABoundary(t *testing.T) {
	in := CompletionValidationInput{ExpectedRunID: "task-001", ExpectedBranch: "jarvis-x"}

	c := validCompletion()
	c.CommitSHA = "abc123"
	if res := ValidateCompletionContract(c, in); !res.Valid {
		t.Fatalf("6-hex commit_sha should be accepted: %v", res.Missing)
	}

	c.CommitSHA = "abcd"
	if res := ValidateCompletionContract(c, in); res.Valid {
		t.Fatal("4-hex commit_sha should be rejected")
	}

	c.CommitSHA = "n/a"
	if res := ValidateCompletionContract(c, in); res.Valid {
		t.Fatal("n/a should be rejected without allow_no_code_changes")
	}

	in.ExpectedRunID = "ping-health-check"
	c.RunID = "ping-health-check"
	if res := ValidateCompletionContract(c, in); !res.Valid {
		t.Fatalf("n/a should be accepted for ping- prefixed run_id: %v", res.Missing)
	}
}

func TestExactlyOnePROrSkipReason(t *testing.T) {
	in := CompletionValidationInput{ExpectedRunID: "task-001", ExpectedBranch: "jarvis-x"}
	c := validCompletion()
	c.PRSkippedReason = "no PR needed"
	if res := ValidateCompletionContract(c, in); res.Valid {
		t.Fatal("both pr_url and pr_skipped_reason present should be rejected")
	}

	c.PRUrl = ""
	if res := ValidateCompletionContract(c, in); !res.Valid {
		t.Fatalf("pr_skipped_reason alone should be valid: %v", res.Missing)
	}
}

func TestBrowserEvidenceLoopbackRule(t *testing.T) {
	in := CompletionValidationInput{
		ExpectedRunID: "task-001", ExpectedBranch: "jarvis-x",
		BrowserEvidenceRequired: true,
	}
	c := validCompletion()
	c.BrowserEvidence = &model.BrowserEvidence{
		BaseURL:             "https://example.com",
		ToolsListed:         []string{"list_tools"},
		ExecuteToolEvidence: []string{"evidence"},
	}
	if res := ValidateCompletionContract(c, in); res.Valid {
		t.Fatal("non-loopback base_url should be rejected")
	}

	c.BrowserEvidence.BaseURL = "http://127.0.0.1:3000/"
	if res := ValidateCompletionContract(c, in); !res.Valid {
		t.Fatalf("loopback base_url should be accepted: %v", res.Missing)
	}
}

func TestParseCompletionContract_TagBlock(t *testing.T) {
	output := `some logs\n<completion>{"run_id":"task-001","branch":"jarvis-x","commit_sha":"` +
		strings.Repeat("a", 40) + `","files_changed":["x.go"],"test_result":"pass","risk":"low","pr_url":"http://x"}</completion>\nmore logs`
	c, ok := ParseCompletionContract(output)
	if !ok {
		t.Fatal("expected to parse completion block")
	}
	if c.RunID != "task-001" {
		t.Fatalf("run_id: got %q", c.RunID)
	}
}

func TestParseDispatchEnvelope_EmbeddedInText(t *testing.T) {
	body := "please run this: " + `{"run_id":"abc","task_type":"fix","context_intent":"fresh","input":"x","repo":"o/r","branch":"jarvis-x","acceptance_tests":["t"],"output_contract":{"required_fields":["run_id"]}}` + " thanks"
	env, ok := ParseDispatchEnvelope(body)
	if !ok {
		t.Fatal("expected to parse embedded dispatch envelope")
	}
	if env.RunID != "abc" {
		t.Fatalf("run_id: got %q", env.RunID)
	}
}
