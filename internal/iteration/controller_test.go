package iteration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/backend"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// memorySink collects iteration records and artifact writes in memory
type memorySink struct {
	records  []domain.IterationRecord
	logs     []string
	testOuts []string
}

func (m *memorySink) AppendIteration(runID string, rec domain.IterationRecord) error {
	m.records = append(m.records, rec)
	return nil
}
func (m *memorySink) AppendLog(runID, line string) error {
	m.logs = append(m.logs, line)
	return nil
}
func (m *memorySink) AppendTestOutput(runID string, iteration int, output string) error {
	m.testOuts = append(m.testOuts, output)
	return nil
}
func (m *memorySink) WriteIterationHistory(runID string, recs []domain.IterationRecord) error {
	return nil
}

const (
	builderOK       = `true {prompt}; echo '{"summary":"built the thing"}'`
	reviewerApprove = `true {prompt}; echo '{"verdict":"approved"}'`
	reviewerReject  = `true {prompt}; echo '{"verdict":"changes_requested","notes":["add tests"]}'`
)

func newTestController(t *testing.T, builderCmd, reviewerCmd, testCmd string, maxIter int) (*Controller, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	cfg := config.Default().Builder
	cfg.Command = builderCmd
	cfg.ReviewerCommand = reviewerCmd
	cfg.MaxIterations = maxIter
	cfg.TestOutputTailLines = 5

	c := New(backend.NewLocal(), sink, sink, cfg, testCmd, zap.NewNop())
	return c, sink
}

func testRun() *domain.Run {
	return &domain.Run{ID: "run-1", WorkOrderID: "wo-1", BuilderIteration: 1}
}

func testOrder() *domain.WorkOrder {
	return &domain.WorkOrder{ID: "wo-1", Title: "Do the thing", Criteria: "it works"}
}

func TestController_ApprovedFirstIteration(t *testing.T) {
	c, sink := newTestController(t, builderOK, reviewerApprove, "exit 0", 3)

	var phases []domain.RunStatus
	c.Phase = func(s domain.RunStatus) error {
		phases = append(phases, s)
		return nil
	}

	history, err := c.Run(context.Background(), testRun(), testOrder(), t.TempDir(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d records, want 1", len(history))
	}
	if history[0].Verdict != domain.VerdictApproved {
		t.Errorf("verdict = %q", history[0].Verdict)
	}
	if history[0].BuilderSummary != "built the thing" {
		t.Errorf("summary = %q", history[0].BuilderSummary)
	}

	want := []domain.RunStatus{domain.RunBuilding, domain.RunTesting, domain.RunReviewing}
	if len(phases) != 3 || phases[0] != want[0] || phases[1] != want[1] || phases[2] != want[2] {
		t.Errorf("phases = %v, want %v", phases, want)
	}
	if len(sink.records) != 1 {
		t.Errorf("persisted records = %d, want 1", len(sink.records))
	}
}

func TestController_IterationCap(t *testing.T) {
	// Tests always fail: the run must stop after exactly maxIter iterations
	c, sink := newTestController(t, builderOK, reviewerApprove, "echo boom >&2; exit 1", 3)

	run := testRun()
	history, err := c.Run(context.Background(), run, testOrder(), t.TempDir(), nil, "")
	if !errors.Is(err, domain.ErrIterationCapExceeded) {
		t.Fatalf("err = %v, want ErrIterationCapExceeded", err)
	}
	if len(history) != 3 {
		t.Errorf("history = %d records, want exactly 3", len(history))
	}
	if run.BuilderIteration != 3 {
		t.Errorf("BuilderIteration = %d, want 3", run.BuilderIteration)
	}
	for i, rec := range history {
		if rec.TestPassed {
			t.Errorf("iteration %d marked passed", i+1)
		}
	}
	// Full test output still captured per iteration
	if len(sink.testOuts) != 3 {
		t.Errorf("captured test outputs = %d, want 3", len(sink.testOuts))
	}
}

func TestController_RejectionConsumesSlot(t *testing.T) {
	// Reviewer rejects once (sentinel file), then approves
	dir := t.TempDir()
	reviewer := `true {prompt}; if [ -f .reviewed ]; then echo '{"verdict":"approved"}'; else touch .reviewed; echo '{"verdict":"changes_requested","notes":["more coverage"]}'; fi`
	c, _ := newTestController(t, builderOK, reviewer, "exit 0", 3)

	run := testRun()
	history, err := c.Run(context.Background(), run, testOrder(), dir, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d records, want 2", len(history))
	}
	if history[0].Verdict != domain.VerdictChangesRequested {
		t.Errorf("first verdict = %q", history[0].Verdict)
	}
	if len(history[0].ReviewerNotes) != 1 {
		t.Errorf("first notes = %v", history[0].ReviewerNotes)
	}
	if history[1].Verdict != domain.VerdictApproved {
		t.Errorf("second verdict = %q", history[1].Verdict)
	}
}

func TestController_TestOutputTruncatedInRecord(t *testing.T) {
	// 20 lines of output, tail budget of 5
	testCmd := `i=1; while [ $i -le 20 ]; do echo "line $i"; i=$((i+1)); done; exit 1`
	c, _ := newTestController(t, builderOK, reviewerApprove, testCmd, 1)

	history, err := c.Run(context.Background(), testRun(), testOrder(), t.TempDir(), nil, "")
	if !errors.Is(err, domain.ErrIterationCapExceeded) {
		t.Fatal(err)
	}

	tail := history[0].TestOutput
	if strings.Contains(tail, "line 1\n") {
		t.Errorf("record holds more than the tail:\n%s", tail)
	}
	if !strings.Contains(tail, "line 20") {
		t.Errorf("record missing tail end:\n%s", tail)
	}
	if n := len(strings.Split(tail, "\n")); n != 5 {
		t.Errorf("tail lines = %d, want 5", n)
	}
}

func TestController_Cancellation(t *testing.T) {
	c, _ := newTestController(t, builderOK, reviewerApprove, "exit 1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx, testRun(), testOrder(), t.TempDir(), nil, "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBuildBuilderPrompt_ReplaysVerdictsNotNoise(t *testing.T) {
	history := []domain.IterationRecord{
		{Iteration: 1, BuilderSummary: "first try", TestPassed: false,
			TestOutput: "FAIL: TestRounding assertion blew up"},
		{Iteration: 2, BuilderSummary: "second try", TestPassed: true,
			Verdict: domain.VerdictChangesRequested, ReviewerNotes: []string{"name the constant"}},
	}

	prompt := BuildBuilderPrompt(testOrder(), history, "", "")

	if !strings.Contains(prompt, "first try") || !strings.Contains(prompt, "second try") {
		t.Error("prompt missing builder summaries")
	}
	if !strings.Contains(prompt, "changes_requested") {
		t.Error("prompt missing reviewer verdict")
	}
	if !strings.Contains(prompt, "name the constant") {
		t.Error("prompt missing reviewer notes")
	}
	// Old test noise is forgotten
	if strings.Contains(prompt, "assertion blew up") {
		t.Error("prompt replays raw test output from an old iteration")
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		verdict domain.Verdict
	}{
		{"approved", `chatter` + "\n" + `{"verdict":"approved"}`, domain.VerdictApproved},
		{"rejected", `{"verdict":"changes_requested","notes":["x"]}`, domain.VerdictChangesRequested},
		{"garbage is never approval", "I approve of this!", domain.VerdictChangesRequested},
		{"last verdict wins", `{"verdict":"changes_requested"}` + "\n" + `{"verdict":"approved"}`, domain.VerdictApproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, _ := ParseVerdict(tt.output)
			if verdict != tt.verdict {
				t.Errorf("verdict = %q, want %q", verdict, tt.verdict)
			}
		})
	}
}

func TestTailLines(t *testing.T) {
	in := "a\nb\nc\nd\n"
	if got := TailLines(in, 2); got != "c\nd" {
		t.Errorf("TailLines = %q", got)
	}
	if got := TailLines("one", 5); got != "one" {
		t.Errorf("TailLines short input = %q", got)
	}
}

func TestRenderCommand_QuotesPrompt(t *testing.T) {
	cmd := renderCommand("claude -p {prompt}", "it's a prompt\nwith newlines")
	res, err := backend.NewLocal().Exec(context.Background(), t.TempDir(),
		strings.Replace(cmd, "claude -p", "printf '%s'", 1), nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, "it's a prompt") {
		t.Errorf("prompt mangled by quoting: %q", res.Stdout)
	}
}
