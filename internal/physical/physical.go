// Package physical is the real-desktop side of the backend contract. The
// OS-specific capture and input-injection layer lives behind the Dispatcher
// interface; this package ships only the contract plus a recording stub so
// the pipeline's mode transparency can be exercised without a desktop.
package physical

import (
	"context"

	"franz/internal/action"
	"franz/internal/backend"
	"franz/internal/canvas"
)

// Dispatcher sends one action as real input events. Implementations are
// OS-specific and out of scope here.
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) error
}

// Capturer grabs the current desktop as an RGBA frame at the working
// resolution.
type Capturer interface {
	Capture(ctx context.Context, w, h int) ([]byte, error)
}

// Renderer satisfies the backend contract against a real desktop: actions
// are dispatched as physical input and the frame is a live capture. All
// dispatched actions count as applied; there is no cursor gating on a real
// desktop, the OS owns the cursor.
type Renderer struct {
	Dispatcher Dispatcher
	Capturer   Capturer
}

func (r *Renderer) Render(ctx context.Context, req backend.Request) (backend.Frame, error) {
	if r.Dispatcher != nil {
		for _, a := range req.Actions {
			if err := r.Dispatcher.Dispatch(ctx, a); err != nil {
				return backend.Frame{}, err
			}
		}
	}

	ow, oh := req.OutputWidth, req.OutputHeight
	if ow <= 0 {
		ow = req.WorkingWidth
	}
	if oh <= 0 {
		oh = req.WorkingHeight
	}

	if r.Capturer != nil {
		png, err := r.Capturer.Capture(ctx, ow, oh)
		if err != nil {
			return backend.Frame{}, err
		}
		return backend.Frame{PNG: png, Applied: req.Actions}, nil
	}

	png, err := canvas.EncodePNG(canvas.NewBlack(ow, oh))
	if err != nil {
		return backend.Frame{}, err
	}
	return backend.Frame{PNG: png, Applied: req.Actions}, nil
}

// StubDispatcher records dispatched actions instead of injecting input.
type StubDispatcher struct {
	Dispatched []action.Action
}

func (s *StubDispatcher) Dispatch(_ context.Context, a action.Action) error {
	s.Dispatched = append(s.Dispatched, a)
	return nil
}
