// Package backend defines the render contract shared by the sandbox
// renderer and the real-desktop implementation. The turn engine and the
// reconciler never branch on which backend is in effect; the selection is
// made once, from configuration, when the executor is wired.
package backend

import (
	"context"

	"franz/internal/action"
)

// Request carries one turn's accepted actions plus the image geometry. The
// working resolution is the surface/capture size; the output resolution is
// the (usually smaller) frame actually sent to the model.
type Request struct {
	Actions       []action.Action
	WorkingWidth  int
	WorkingHeight int
	OutputWidth   int
	OutputHeight  int
	Marks         bool
	Reset         bool
}

// Frame is the render result: an encoded PNG at the output resolution and
// the subset of requested actions that actually produced a visual effect,
// in request order.
type Frame struct {
	PNG     []byte
	Applied []action.Action
}

// Renderer applies actions and produces a frame. Implementations must be
// safe to call once per turn from a single goroutine; they are not required
// to be concurrency-safe.
type Renderer interface {
	Render(ctx context.Context, req Request) (Frame, error)
}
