// Package engine drives the turn loop: load the story, execute it, build
// the three-slot model request, persist the raw response, idle, repeat. The
// story travels through a turn untouched; the engine reads it only to hand
// it to the executor and forwards it verbatim to the model.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"franz/internal/audit"
	"franz/internal/config"
	"franz/internal/executor"
	"franz/internal/fsutil"
	"franz/internal/params"
	"franz/internal/reconcile"
	"franz/internal/state"
	"franz/internal/vlm"
)

// SystemPrompt is the fixed instruction slot. It never varies between turns
// or backends.
const SystemPrompt = `You control a Windows 11 desktop using these functions:
left_click(x,y), right_click(x,y), double_left_click(x,y), drag(x1,y1,x2,y2), type(text), screenshot(), click(x,y).
Coordinates are integers in 0..1000 relative to the current screenshot (0,0 top-left; 1000,1000 bottom-right).
Marks on the screenshot show actions that were actually executed.

SANDBOX MODE NOTE:
If the image looks like a black canvas (not a real desktop), you are in sandbox mode.
In sandbox mode:
- drag draws persistent white lines
- left_click (or click) places a small white circle
- right_click places a small white rectangle
- type(text) draws white text at the most recent click location

Reply in exactly two sections:

NARRATIVE:
Briefly describe what you will do next and ask any needed questions. No coordinates here.

ACTIONS:
One function call per line. No extra text. Use screenshot() whenever you need a fresh view.
If you have nothing else to do, output screenshot().`

// Notifier receives a best-effort summary after each completed turn.
type Notifier interface {
	NotifyTurn(ctx context.Context, turn int, report reconcile.Report, response string)
}

// Model produces the next raw output for a three-slot request.
type Model interface {
	Generate(ctx context.Context, req vlm.Request) (string, error)
}

type Engine struct {
	cfg    config.Config
	exec   executor.Executor
	model  Model
	store  *state.SQLiteStore
	params *params.Watcher
	audit  *audit.Logger

	// Notify is optional; turn delivery failures are swallowed.
	Notify Notifier

	// Out receives each raw model response verbatim, for monitoring.
	Out io.Writer
	// Errw receives human-readable warnings.
	Errw io.Writer

	runID   string
	dumpDir string
}

func New(cfg config.Config, exec executor.Executor, model Model, store *state.SQLiteStore, watcher *params.Watcher, auditLog *audit.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		exec:   exec,
		model:  model,
		store:  store,
		params: watcher,
		audit:  auditLog,
		Out:    os.Stdout,
		Errw:   os.Stderr,
		runID:  uuid.NewString(),
	}
}

func (e *Engine) RunID() string { return e.runID }

// BuildFeedback renders the reconciliation report as the feedback slot. The
// arrays are always present, even when empty.
func BuildFeedback(report reconcile.Report) string {
	executed, _ := json.Marshal(nonNil(report.Executed))
	ignored, _ := json.Marshal(nonNil(report.Ignored))
	return "EXECUTOR_FEEDBACK:\n" +
		"executed=" + string(executed) + "\n" +
		"ignored=" + string(ignored)
}

// RunTurn performs one full turn. An executor fault degrades to an empty
// report and the turn continues; a model fault after retries is fatal.
func (e *Engine) RunTurn(ctx context.Context) error {
	st, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("engine: load state: %w", err)
	}
	turn := st.TurnIndex + 1
	e.logEvent(ctx, audit.EventTurnStart, map[string]any{"turn": turn})

	snap, err := e.params.Current()
	if err != nil {
		e.warnf("params invalid, keeping previous values: %v", err)
		e.logEvent(ctx, audit.EventParamsInvalid, map[string]any{"turn": turn, "error": err.Error()})
	}

	prevStory := st.Story

	res, err := e.exec.Execute(ctx, executor.Request{
		RawText:       prevStory,
		Enabled:       e.cfg.Tools.EnabledKinds(),
		Execute:       e.cfg.Loop.ExecuteActions,
		Marks:         e.cfg.Capture.Marks,
		Reset:         e.cfg.Sandbox.Reset,
		WorkingWidth:  e.workingWidth(),
		WorkingHeight: e.workingHeight(),
		OutputWidth:   e.cfg.Capture.Width,
		OutputHeight:  e.cfg.Capture.Height,
	})
	if err != nil {
		e.warnf("executor failed: %v", err)
		e.logEvent(ctx, audit.EventExecutorFailed, map[string]any{"turn": turn, "error": err.Error()})
		res = executor.Result{Report: reconcile.Report{Executed: []string{}, Ignored: []string{}}}
	}

	raw, err := e.model.Generate(ctx, vlm.Request{
		System:   SystemPrompt,
		Story:    prevStory,
		Feedback: BuildFeedback(res.Report),
		ImagePNG: res.ImagePNG,
		Params:   snap,
	})
	if err != nil {
		return fmt.Errorf("engine: inference: %w", err)
	}

	if e.Out != nil {
		_, _ = io.WriteString(e.Out, raw)
	}

	if e.cfg.Loop.DebugDump {
		e.dumpTurn(turn, prevStory, raw, res)
	}

	if err := e.store.RecordTurn(ctx, state.TurnRecord{
		RunID:     e.runID,
		TurnIndex: turn,
		Story:     prevStory,
		Response:  raw,
		Executed:  res.Report.Executed,
		Ignored:   res.Report.Ignored,
	}); err != nil {
		return fmt.Errorf("engine: record turn: %w", err)
	}

	if e.Notify != nil {
		e.Notify.NotifyTurn(ctx, turn, res.Report, raw)
	}

	e.logEvent(ctx, audit.EventTurnEnd, map[string]any{
		"turn":             turn,
		"executed":         len(res.Report.Executed),
		"ignored":          len(res.Report.Ignored),
		"wants_screenshot": res.Report.WantsScreenshot,
		"response_bytes":   len(raw),
	})
	return nil
}

// startSettleDelay gives the backend a moment before the first turn.
const startSettleDelay = time.Second

// Loop runs turns until the context is cancelled or a turn fails fatally.
func (e *Engine) Loop(ctx context.Context) error {
	delay := time.Duration(e.cfg.Loop.DelayMS) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(startSettleDelay):
	}
	for {
		if err := e.RunTurn(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// OnModelRetry is wired as the client's retry observer.
func (e *Engine) OnModelRetry(attempt int, err error) {
	e.warnf("model attempt %d failed, retrying: %v", attempt, err)
	e.logEvent(context.Background(), audit.EventInferRetry, map[string]any{
		"attempt": attempt,
		"error":   err.Error(),
	})
}

func (e *Engine) dumpTurn(turn int, prevStory, raw string, res executor.Result) {
	if e.dumpDir == "" {
		e.dumpDir = filepath.Join(e.cfg.Loop.DumpDir, "run_"+time.Now().Format("20060102_150405"))
	}
	if len(res.ImagePNG) > 0 {
		name := filepath.Join(e.dumpDir, fmt.Sprintf("turn_%04d.png", turn))
		if err := fsutil.WriteFileAtomic(name, res.ImagePNG, 0o644); err != nil {
			e.warnf("dump frame: %v", err)
		}
	}

	record := map[string]any{
		"turn":             turn,
		"story":            prevStory,
		"vlm_raw":          raw,
		"executed":         nonNil(res.Report.Executed),
		"ignored":          nonNil(res.Report.Ignored),
		"wants_screenshot": res.Report.WantsScreenshot,
		"execute_actions":  e.cfg.Loop.ExecuteActions,
		"timestamp":        time.Now().Format(time.RFC3339),
	}
	buf, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return
	}
	name := filepath.Join(e.dumpDir, fmt.Sprintf("turn_%04d.json", turn))
	if err := fsutil.WriteFileAtomic(name, append(buf, '\n'), 0o644); err != nil {
		e.warnf("dump record: %v", err)
	}
}

func (e *Engine) workingWidth() int {
	if e.cfg.Sandbox.Active {
		return e.cfg.Sandbox.Width
	}
	return e.cfg.Capture.Width
}

func (e *Engine) workingHeight() int {
	if e.cfg.Sandbox.Active {
		return e.cfg.Sandbox.Height
	}
	return e.cfg.Capture.Height
}

func (e *Engine) logEvent(ctx context.Context, eventType string, fields map[string]any) {
	if e.audit == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["run_id"] = e.runID
	if err := e.audit.LogEvent(ctx, eventType, fields); err != nil {
		e.warnf("audit: %v", err)
	}
}

func (e *Engine) warnf(format string, args ...any) {
	if e.Errw == nil {
		return
	}
	fmt.Fprintf(e.Errw, "[engine] "+format+"\n", args...)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
