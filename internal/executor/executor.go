// Package executor is the call boundary between the turn engine and the
// parse/render pipeline. The engine hands it raw model text and gets back a
// reconciled report plus the outgoing frame; a fault inside the boundary is
// converted into ErrBackendUnavailable instead of propagating.
package executor

import (
	"context"
	"errors"
	"fmt"

	"franz/internal/action"
	"franz/internal/actparse"
	"franz/internal/backend"
	"franz/internal/reconcile"
)

// ErrBackendUnavailable marks a parser/renderer fault. The turn still
// advances: the engine substitutes an empty report and forwards the story.
var ErrBackendUnavailable = errors.New("executor: backend unavailable")

// Request is one turn's execution input.
type Request struct {
	RawText       string
	Enabled       map[action.Kind]bool // nil enables every grammar call
	Execute       bool                 // master gate: false parses but applies nothing
	Marks         bool
	Reset         bool
	WorkingWidth  int
	WorkingHeight int
	OutputWidth   int
	OutputHeight  int
}

// Result is the execution output: the reconciled report and the encoded
// frame to embed in the next model request.
type Result struct {
	Report   reconcile.Report
	ImagePNG []byte
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Local chains parser, backend and reconciler in-process. The backend is
// selected once at wiring time; nothing here inspects which mode is active.
type Local struct {
	Renderer backend.Renderer
}

func NewLocal(renderer backend.Renderer) *Local {
	return &Local{Renderer: renderer}
}

func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	if l == nil || l.Renderer == nil {
		return Result{}, fmt.Errorf("%w: no renderer configured", ErrBackendUnavailable)
	}

	parsed := actparse.Parse(req.RawText)

	noted := append([]string{}, parsed.Rejected...)
	wantsScreenshot := false
	var requested []action.Action
	for _, a := range parsed.Accepted {
		// screenshot is a request-only signal: noted, never rendered.
		if a.Kind == action.KindScreenshot {
			wantsScreenshot = true
			noted = append(noted, a.Canonical())
			continue
		}
		if !req.Execute || !kindEnabled(req.Enabled, a.Kind) {
			noted = append(noted, a.Canonical())
			continue
		}
		requested = append(requested, a)
	}

	frame, err := l.Renderer.Render(ctx, backend.Request{
		Actions:       requested,
		WorkingWidth:  req.WorkingWidth,
		WorkingHeight: req.WorkingHeight,
		OutputWidth:   req.OutputWidth,
		OutputHeight:  req.OutputHeight,
		Marks:         req.Marks,
		Reset:         req.Reset,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return Result{
		Report:   reconcile.Reconcile(requested, frame.Applied, noted, wantsScreenshot),
		ImagePNG: frame.PNG,
	}, nil
}

func kindEnabled(enabled map[action.Kind]bool, k action.Kind) bool {
	if enabled == nil {
		return true
	}
	on, ok := enabled[k]
	if !ok {
		return true
	}
	return on
}

// Supervised wraps an executor so a panic inside the boundary surfaces as
// ErrBackendUnavailable rather than terminating the turn engine.
type Supervised struct {
	Inner Executor
}

func Supervise(inner Executor) *Supervised {
	return &Supervised{Inner: inner}
}

func (s *Supervised) Execute(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: panic: %v", ErrBackendUnavailable, r)
		}
	}()
	return s.Inner.Execute(ctx, req)
}
