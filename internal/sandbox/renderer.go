package sandbox

import (
	"context"
	"image"
	"image/color"

	"franz/internal/action"
	"franz/internal/backend"
	"franz/internal/canvas"
)

// Persistent sandbox drawings are white on black; mark overlays are red and
// ephemeral.
var (
	white       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black       = color.RGBA{A: 255}
	markFill    = color.RGBA{R: 255, A: 180}
	markOutline = color.RGBA{R: 255, G: 255, B: 255, A: 230}
	markText    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	trailColor  = color.RGBA{R: 255, A: 120}
)

// Renderer applies accepted actions to the persistent surface and reports
// which ones actually changed it. It satisfies the backend render contract.
type Renderer struct {
	Store *Store
}

func NewRenderer(store *Store) *Renderer {
	return &Renderer{Store: store}
}

// Render loads the surface, applies each action's visual effect in order,
// persists the mutated surface, then builds the outgoing frame from a copy:
// optional numbered marks, downscale to the output resolution, PNG encode.
func (r *Renderer) Render(_ context.Context, req backend.Request) (backend.Frame, error) {
	w, h := req.WorkingWidth, req.WorkingHeight

	if req.Reset {
		if err := r.Store.Reset(); err != nil {
			return backend.Frame{}, err
		}
	}

	surface := r.Store.LoadSurface(w, h)
	cursor := r.Store.LoadCursor()

	applied, dirty := applyActions(surface, &cursor, req.Actions)
	if dirty {
		if err := r.Store.SaveSurface(surface); err != nil {
			return backend.Frame{}, err
		}
		if err := r.Store.SaveCursor(cursor); err != nil {
			return backend.Frame{}, err
		}
	}

	frame := canvas.Clone(surface)
	if req.Marks && len(applied) > 0 {
		drawMarks(frame, applied)
	}

	ow, oh := req.OutputWidth, req.OutputHeight
	if ow <= 0 {
		ow = w
	}
	if oh <= 0 {
		oh = h
	}
	png, err := canvas.EncodePNG(canvas.Resize(frame, ow, oh))
	if err != nil {
		return backend.Frame{}, err
	}
	return backend.Frame{PNG: png, Applied: applied}, nil
}

// normCoord maps a normalized [0,1000] coordinate onto a pixel extent,
// clamping out-of-range values.
func normCoord(v, extent int) int {
	if v < 0 {
		v = 0
	}
	if v > 1000 {
		v = 1000
	}
	return v * extent / 1000
}

// applyActions draws each action's persistent effect and returns the subset
// that mutated surface or cursor state, plus whether anything changed.
// type() with no established cursor has no effect and is excluded.
func applyActions(surface *image.RGBA, cursor *Cursor, actions []action.Action) ([]action.Action, bool) {
	cv := canvas.New(surface)
	w := surface.Bounds().Dx()
	h := surface.Bounds().Dy()

	applied := make([]action.Action, 0, len(actions))
	dirty := false
	for _, a := range actions {
		switch a.Kind {
		case action.KindLeftClick, action.KindDoubleLeftClick:
			px, py := normCoord(a.X, w), normCoord(a.Y, h)
			cv.FillCircle(px, py, 6, white)
			*cursor = Cursor{Set: true, X: px, Y: py}
		case action.KindRightClick:
			px, py := normCoord(a.X, w), normCoord(a.Y, h)
			cv.FillRect(px-6, py-4, 12, 8, white)
			*cursor = Cursor{Set: true, X: px, Y: py}
		case action.KindDrag:
			px1, py1 := normCoord(a.X, w), normCoord(a.Y, h)
			px2, py2 := normCoord(a.X2, w), normCoord(a.Y2, h)
			cv.Line(px1, py1, px2, py2, white, 4)
			*cursor = Cursor{Set: true, X: px2, Y: py2}
		case action.KindType:
			if !cursor.Set {
				continue
			}
			cv.DrawText(cursor.X+10, cursor.Y+10, a.Text, white, 2)
		default:
			continue
		}
		applied = append(applied, a)
		dirty = true
	}
	return applied, dirty
}

// drawMarks overlays numbered red annotations for the applied actions on an
// ephemeral copy of the frame, with trail lines between consecutive marks.
func drawMarks(frame *image.RGBA, applied []action.Action) {
	cv := canvas.New(frame)
	w := frame.Bounds().Dx()
	h := frame.Bounds().Dy()

	var prev *image.Point
	trail := func(x, y int) {
		if prev != nil && abs(x-prev.X)+abs(y-prev.Y) > 30 {
			cv.Line(prev.X, prev.Y, x, y, trailColor, 4)
		}
	}

	n := 1
	for _, a := range applied {
		switch a.Kind {
		case action.KindLeftClick:
			x, y := normCoord(a.X, w), normCoord(a.Y, h)
			trail(x, y)
			cv.FillCircle(x, y, 32, markOutline)
			cv.FillCircle(x, y, 28, markFill)
			cv.NumberBadge(x, y, n, markText, black, 3)
			prev = &image.Point{X: x, Y: y}
		case action.KindRightClick:
			x, y := normCoord(a.X, w), normCoord(a.Y, h)
			trail(x, y)
			cv.FillCircle(x, y, 32, markOutline)
			cv.FillCircle(x, y, 28, markFill)
			cv.RectOutline(x+20, y-36, 16, 16, markText, 3)
			cv.NumberBadge(x, y, n, markText, black, 3)
			prev = &image.Point{X: x, Y: y}
		case action.KindDoubleLeftClick:
			x, y := normCoord(a.X, w), normCoord(a.Y, h)
			trail(x, y)
			cv.FillCircle(x, y, 32, markOutline)
			cv.FillCircle(x, y, 28, markFill)
			cv.CircleOutline(x, y, 42, markOutline, 3)
			cv.NumberBadge(x, y, n, markText, black, 3)
			prev = &image.Point{X: x, Y: y}
		case action.KindDrag:
			x1, y1 := normCoord(a.X, w), normCoord(a.Y, h)
			x2, y2 := normCoord(a.X2, w), normCoord(a.Y2, h)
			trail(x1, y1)
			cv.FillCircle(x1, y1, 20, markOutline)
			cv.FillCircle(x1, y1, 16, markFill)
			cv.NumberBadge(x1, y1, n, markText, black, 2)
			cv.Arrow(x1, y1, x2, y2, markFill, 6)
			cv.CircleOutline(x2, y2, 20, markOutline, 4)
			cv.CircleOutline(x2, y2, 16, markFill, 3)
			prev = &image.Point{X: x2, Y: y2}
		case action.KindType:
			if prev == nil {
				continue
			}
			const pad = 30
			cv.RectOutline(prev.X-pad, prev.Y-pad/2, pad*2, pad, markFill, 4)
			cv.RectOutline(prev.X-pad-2, prev.Y-pad/2-2, pad*2+4, pad+4, markOutline, 2)
			cv.NumberBadge(prev.X, prev.Y, n, markText, black, 2)
		default:
			continue
		}
		n++
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
