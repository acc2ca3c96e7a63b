package engine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"franz/internal/config"
	"franz/internal/executor"
	"franz/internal/params"
	"franz/internal/reconcile"
	"franz/internal/sandbox"
	"franz/internal/state"
	"franz/internal/vlm"
)

// scriptedModel returns queued responses and records every request.
type scriptedModel struct {
	requests  []vlm.Request
	responses []string
	err       error
}

func (m *scriptedModel) Generate(_ context.Context, req vlm.Request) (string, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Sandbox.Dir = filepath.Join(dir, "sandbox")
	cfg.Sandbox.Width = 100
	cfg.Sandbox.Height = 100
	cfg.Capture.Width = 100
	cfg.Capture.Height = 100
	cfg.State.File = filepath.Join(dir, "state.db")
	cfg.Params.File = filepath.Join(dir, "params.json")
	cfg.Audit.Enabled = false
	cfg.Loop.DebugDump = false
	return cfg
}

func testEngine(t *testing.T, cfg config.Config, model Model) (*Engine, *state.SQLiteStore) {
	t.Helper()
	store, err := state.OpenSQLite(cfg.State.File)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sandboxStore, err := sandbox.NewStore(cfg.Sandbox.Dir, cfg.Sandbox.ID)
	if err != nil {
		t.Fatalf("sandbox store: %v", err)
	}
	exec := executor.Supervise(executor.NewLocal(sandbox.NewRenderer(sandboxStore)))

	eng := New(cfg, exec, model, store, params.NewWatcher(cfg.Params.File), nil)
	eng.Out = &bytes.Buffer{}
	eng.Errw = &bytes.Buffer{}
	return eng, store
}

func TestRunTurnColdStart(t *testing.T) {
	cfg := testConfig(t)
	model := &scriptedModel{responses: []string{"NARRATIVE:\nfirst\n\nACTIONS:\nscreenshot()"}}
	eng, store := testEngine(t, cfg, model)

	if err := eng.RunTurn(context.Background()); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if len(model.requests) != 1 {
		t.Fatalf("requests = %d", len(model.requests))
	}
	req := model.requests[0]
	if req.Story != "" {
		t.Fatalf("cold start story = %q, want empty", req.Story)
	}
	if req.Feedback != "EXECUTOR_FEEDBACK:\nexecuted=[]\nignored=[]" {
		t.Fatalf("feedback = %q", req.Feedback)
	}
	if req.System != SystemPrompt {
		t.Fatal("system slot mismatch")
	}
	if len(req.ImagePNG) == 0 {
		t.Fatal("cold start must still carry a frame")
	}

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.Story != "NARRATIVE:\nfirst\n\nACTIONS:\nscreenshot()" {
		t.Fatalf("persisted story = %q", st.Story)
	}
	if st.TurnIndex != 1 {
		t.Fatalf("turn index = %d, want the completed turn", st.TurnIndex)
	}
}

func TestRunTurnAdvancesTurnIndexByOne(t *testing.T) {
	cfg := testConfig(t)
	model := &scriptedModel{responses: []string{"one", "two", "three"}}
	eng, store := testEngine(t, cfg, model)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := eng.RunTurn(ctx); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.TurnIndex != 3 {
		t.Fatalf("turn index after 3 turns = %d", st.TurnIndex)
	}

	records, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	// newest first: turns must be consecutive, no skipped numbers
	for i, want := range []int{3, 2, 1} {
		if records[i].TurnIndex != want {
			t.Fatalf("record %d turn index = %d, want %d", i, records[i].TurnIndex, want)
		}
	}
}

func TestRunTurnForwardsStoryVerbatim(t *testing.T) {
	cfg := testConfig(t)
	first := "NARRATIVE:\n  odd   spacing\t\n\nACTIONS:\nleft_click(500, 500)\nscreenshot()\n\n"
	model := &scriptedModel{responses: []string{first, "second"}}
	eng, _ := testEngine(t, cfg, model)

	ctx := context.Background()
	if err := eng.RunTurn(ctx); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if err := eng.RunTurn(ctx); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	req := model.requests[1]
	if req.Story != first {
		t.Fatalf("story = %q, want previous output byte for byte", req.Story)
	}
	want := "EXECUTOR_FEEDBACK:\n" +
		`executed=["left_click(500, 500)"]` + "\n" +
		`ignored=["screenshot()"]`
	if req.Feedback != want {
		t.Fatalf("feedback = %q, want %q", req.Feedback, want)
	}
}

func TestRunTurnEmitsRawOutput(t *testing.T) {
	cfg := testConfig(t)
	raw := "  response with padding \n"
	model := &scriptedModel{responses: []string{raw}}
	eng, _ := testEngine(t, cfg, model)

	var out bytes.Buffer
	eng.Out = &out
	if err := eng.RunTurn(context.Background()); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if out.String() != raw {
		t.Fatalf("stdout = %q, want verbatim response", out.String())
	}
}

// failingExecutor simulates a render backend fault.
type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, executor.Request) (executor.Result, error) {
	return executor.Result{}, executor.ErrBackendUnavailable
}

func TestRunTurnSurvivesExecutorFailure(t *testing.T) {
	cfg := testConfig(t)
	model := &scriptedModel{responses: []string{"resp"}}

	store, err := state.OpenSQLite(cfg.State.File)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng := New(cfg, failingExecutor{}, model, store, params.NewWatcher(cfg.Params.File), nil)
	eng.Out = &bytes.Buffer{}
	eng.Errw = &bytes.Buffer{}

	if err := eng.RunTurn(context.Background()); err != nil {
		t.Fatalf("executor fault must not end the turn: %v", err)
	}
	if model.requests[0].Feedback != "EXECUTOR_FEEDBACK:\nexecuted=[]\nignored=[]" {
		t.Fatalf("feedback = %q", model.requests[0].Feedback)
	}
}

func TestRunTurnModelFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	model := &scriptedModel{err: vlm.ErrRetriesExhausted}
	eng, store := testEngine(t, cfg, model)

	if err := eng.RunTurn(context.Background()); !errors.Is(err, vlm.ErrRetriesExhausted) {
		t.Fatalf("err = %v", err)
	}
	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.TurnIndex != 0 {
		t.Fatalf("failed turn must not advance state, turn = %d", st.TurnIndex)
	}
}

func TestRunTurnRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	model := &scriptedModel{responses: []string{"one", "two"}}
	eng, store := testEngine(t, cfg, model)

	ctx := context.Background()
	if err := eng.RunTurn(ctx); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if err := eng.RunTurn(ctx); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	records, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Response != "two" || records[0].Story != "one" {
		t.Fatalf("latest record = %+v", records[0])
	}
	if records[0].RunID != eng.RunID() {
		t.Fatalf("run id = %q", records[0].RunID)
	}
}

func TestBuildFeedbackEscapesStrings(t *testing.T) {
	report := reconcile.Report{
		Executed: []string{`type("a\"b")`},
		Ignored:  []string{},
	}
	got := BuildFeedback(report)
	want := "EXECUTOR_FEEDBACK:\n" +
		`executed=["type(\"a\\\"b\")"]` + "\n" +
		"ignored=[]"
	if got != want {
		t.Fatalf("feedback = %q, want %q", got, want)
	}
}
