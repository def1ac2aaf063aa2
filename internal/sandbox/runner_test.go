package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/mkosti/angelia/internal/orchestrator"
)

func TestBuildCommandFresh(t *testing.T) {
	args := buildCommand(orchestrator.RunRequest{
		Kind:         "warden",
		Prompt:       "hello",
		SystemPrompt: "be careful",
		Model:        "opus",
	})

	joined := strings.Join(args, " ")
	if args[0] != "claude" {
		t.Errorf("expected default command claude, got %s", args[0])
	}
	if !strings.Contains(joined, "--append-system-prompt be careful") {
		t.Errorf("fresh run should carry system prompt: %v", args)
	}
	if !strings.Contains(joined, "--model opus") {
		t.Errorf("model flag missing: %v", args)
	}
	if args[len(args)-1] != "hello" {
		t.Errorf("prompt should be the final positional arg, got %q", args[len(args)-1])
	}
}

func TestBuildCommandResume(t *testing.T) {
	args := buildCommand(orchestrator.RunRequest{
		Kind:         "warden",
		Prompt:       "continue",
		SystemPrompt: "be careful",
		ResumeToken:  "sess-1",
	})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--resume sess-1") {
		t.Errorf("resumed run should carry the token: %v", args)
	}
	if strings.Contains(joined, "--append-system-prompt") {
		t.Errorf("resumed run must not repeat the system prompt: %v", args)
	}
}

func TestBuildCommandAttachmentPaths(t *testing.T) {
	args := buildCommand(orchestrator.RunRequest{
		Kind:        "warden",
		Prompt:      "look at this",
		Attachments: []string{"/var/lib/angelia/media/chat-1/photo.jpg"},
	})

	prompt := args[len(args)-1]
	if !strings.Contains(prompt, "/workspace/attachments/photo.jpg") {
		t.Errorf("attachment should be rewritten to the container path, got %q", prompt)
	}
	if strings.Contains(prompt, "/var/lib/angelia") {
		t.Errorf("host path should not leak into the prompt, got %q", prompt)
	}
}

func TestParseStream(t *testing.T) {
	stdout := `{"type":"system","session_id":"sess-9"}
{"type":"assistant","message":{"content":[{"type":"text","text":"thinking out loud"}]}}
{"type":"result","result":"final answer","session_id":"sess-9"}
`
	res, err := parseStream(orchestrator.RunRequest{Kind: "warden"}, stdout)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Reply != "final answer" {
		t.Errorf("expected result event to win, got %q", res.Reply)
	}
	if res.ResumeToken != "sess-9" {
		t.Errorf("expected session id as resume token, got %q", res.ResumeToken)
	}
}

func TestParseStreamFallsBackToAssistant(t *testing.T) {
	stdout := `{"type":"assistant","message":{"content":[{"type":"text","text":"only message"}]}}
not json at all
`
	res, err := parseStream(orchestrator.RunRequest{Kind: "warden"}, stdout)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Reply != "only message" {
		t.Errorf("expected assistant fallback, got %q", res.Reply)
	}
}

func TestParseStreamEmptyIsProcessError(t *testing.T) {
	_, err := parseStream(orchestrator.RunRequest{Kind: "warden"}, "")
	var perr *orchestrator.ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if perr.Kind != "warden" {
		t.Errorf("expected kind warden, got %s", perr.Kind)
	}
}
