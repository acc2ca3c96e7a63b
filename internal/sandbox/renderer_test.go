package sandbox

import (
	"context"
	"testing"

	"franz/internal/action"
	"franz/internal/backend"
	"franz/internal/canvas"
)

func testRenderer(t *testing.T) *Renderer {
	t.Helper()
	store, err := NewStore(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewRenderer(store)
}

func render(t *testing.T, r *Renderer, actions []action.Action) backend.Frame {
	t.Helper()
	frame, err := r.Render(context.Background(), backend.Request{
		Actions:       actions,
		WorkingWidth:  100,
		WorkingHeight: 100,
		OutputWidth:   100,
		OutputHeight:  100,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return frame
}

func TestRenderClickDrawsAndSetsCursor(t *testing.T) {
	r := testRenderer(t)
	frame := render(t, r, []action.Action{{Kind: action.KindLeftClick, X: 500, Y: 500}})

	if len(frame.Applied) != 1 {
		t.Fatalf("applied = %v", frame.Applied)
	}
	img, err := canvas.DecodePNG(frame.PNG)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	// normalized 500/1000 of a 100px surface lands at pixel 50
	cr, cg, cb, _ := img.At(50, 50).RGBA()
	if cr == 0 || cg == 0 || cb == 0 {
		t.Fatal("expected a white circle at the click position")
	}

	cursor := r.Store.LoadCursor()
	if !cursor.Set || cursor.X != 50 || cursor.Y != 50 {
		t.Fatalf("cursor = %+v", cursor)
	}
}

func TestRenderTypeWithoutCursorIsNotApplied(t *testing.T) {
	r := testRenderer(t)
	frame := render(t, r, []action.Action{{Kind: action.KindType, Text: "hi"}})
	if len(frame.Applied) != 0 {
		t.Fatalf("type without cursor must not apply, got %v", frame.Applied)
	}
}

func TestRenderTypeAfterClickApplies(t *testing.T) {
	r := testRenderer(t)
	frame := render(t, r, []action.Action{
		{Kind: action.KindLeftClick, X: 100, Y: 100},
		{Kind: action.KindType, Text: "hi"},
	})
	if len(frame.Applied) != 2 {
		t.Fatalf("applied = %v", action.Canonicals(frame.Applied))
	}
}

func TestRenderCursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "persist")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	render(t, NewRenderer(store), []action.Action{{Kind: action.KindLeftClick, X: 500, Y: 500}})

	// fresh store over the same directory simulates an engine restart
	reopened, err := NewStore(dir, "persist")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	frame := render(t, NewRenderer(reopened), []action.Action{{Kind: action.KindType, Text: "hi"}})
	if len(frame.Applied) != 1 {
		t.Fatalf("type should apply against the persisted cursor, got %v", frame.Applied)
	}
}

func TestRenderSurfacePersistsAcrossTurns(t *testing.T) {
	r := testRenderer(t)
	render(t, r, []action.Action{{Kind: action.KindDrag, X: 0, Y: 0, X2: 1000, Y2: 1000}})

	// no actions this turn; the line must still be on the surface
	frame := render(t, r, nil)
	img, err := canvas.DecodePNG(frame.PNG)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	cr, _, _, _ := img.At(50, 50).RGBA()
	if cr == 0 {
		t.Fatal("persistent drag line missing after idle turn")
	}
}

func TestRenderResetClearsSurfaceAndCursor(t *testing.T) {
	r := testRenderer(t)
	render(t, r, []action.Action{{Kind: action.KindLeftClick, X: 500, Y: 500}})

	frame, err := r.Render(context.Background(), backend.Request{
		WorkingWidth:  100,
		WorkingHeight: 100,
		OutputWidth:   100,
		OutputHeight:  100,
		Reset:         true,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := canvas.DecodePNG(frame.PNG)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	cr, cg, cb, _ := img.At(50, 50).RGBA()
	if cr != 0 || cg != 0 || cb != 0 {
		t.Fatal("surface not black after reset")
	}
	if cursor := r.Store.LoadCursor(); cursor.Set {
		t.Fatalf("cursor survived reset: %+v", cursor)
	}
}

func TestRenderMarksAreEphemeral(t *testing.T) {
	r := testRenderer(t)
	req := backend.Request{
		Actions:       []action.Action{{Kind: action.KindLeftClick, X: 500, Y: 500}},
		WorkingWidth:  100,
		WorkingHeight: 100,
		OutputWidth:   100,
		OutputHeight:  100,
		Marks:         true,
	}
	if _, err := r.Render(context.Background(), req); err != nil {
		t.Fatalf("render: %v", err)
	}

	// next frame with no actions: the red overlay must be gone
	frame := render(t, r, nil)
	img, err := canvas.DecodePNG(frame.PNG)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr > 0 && cg == 0 && cb == 0 {
				t.Fatalf("red mark persisted at (%d, %d)", x, y)
			}
		}
	}
}

func TestRenderOutOfRangeCoordinatesClamped(t *testing.T) {
	r := testRenderer(t)
	frame := render(t, r, []action.Action{{Kind: action.KindLeftClick, X: 5000, Y: -20}})
	if len(frame.Applied) != 1 {
		t.Fatalf("clamped click should still apply, got %v", frame.Applied)
	}
	cursor := r.Store.LoadCursor()
	if cursor.X != 100 || cursor.Y != 0 {
		t.Fatalf("cursor = %+v, want clamped to surface edge", cursor)
	}
}

func TestRenderDownscalesToOutputResolution(t *testing.T) {
	store, err := NewStore(t.TempDir(), "scale")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	frame, err := NewRenderer(store).Render(context.Background(), backend.Request{
		WorkingWidth:  200,
		WorkingHeight: 200,
		OutputWidth:   100,
		OutputHeight:  50,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := canvas.DecodePNG(frame.PNG)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 50 {
		t.Fatalf("frame size = %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestPrimeCreatesSurfaceAndKeepsExisting(t *testing.T) {
	store, err := NewStore(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Prime(100, 100); err != nil {
		t.Fatalf("prime: %v", err)
	}

	r := NewRenderer(store)
	render(t, r, []action.Action{{Kind: action.KindLeftClick, X: 500, Y: 500}})

	// a second prime must not wipe the drawn surface
	if err := store.Prime(100, 100); err != nil {
		t.Fatalf("reprime: %v", err)
	}
	surface := store.LoadSurface(100, 100)
	if cr, _, _, _ := surface.At(50, 50).RGBA(); cr == 0 {
		t.Fatal("priming an existing surface must not clear it")
	}
}
