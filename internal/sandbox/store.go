// Package sandbox owns the persistent raster surface that stands in for a
// real desktop in simulation mode. The surface and the last cursor position
// are durable, keyed to a sandbox identity, and mutated only by accepted
// actions with a visual effect. Mark overlays never touch the stored surface.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"franz/internal/canvas"
	"franz/internal/fsutil"
)

const (
	surfaceFile = "surface.png"
	cursorFile  = "cursor.json"

	defaultFileMode = 0o600
)

// Cursor is the persisted last-click position. Set reports whether any
// cursor-establishing action has happened since the last reset.
type Cursor struct {
	Set bool `json:"set"`
	X   int  `json:"x"`
	Y   int  `json:"y"`
}

// Store persists one sandbox surface and its cursor state under
// <dir>/<id>/. Restarting the engine resumes drawing onto the same surface
// unless Reset is called.
type Store struct {
	dir string
}

func NewStore(dir, id string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("sandbox: store dir is required")
	}
	if id == "" {
		return nil, errors.New("sandbox: sandbox id is required")
	}
	root := filepath.Join(dir, id)
	if err := os.MkdirAll(root, fsutil.DirMode); err != nil {
		return nil, fmt.Errorf("sandbox: create store dir: %w", err)
	}
	return &Store{dir: root}, nil
}

// LoadSurface returns the persisted surface at the working resolution. A
// missing, unreadable, or wrongly sized file yields a fresh black surface;
// cold start is not a special case.
func (s *Store) LoadSurface(w, h int) *image.RGBA {
	data, err := os.ReadFile(filepath.Join(s.dir, surfaceFile))
	if err != nil {
		return canvas.NewBlack(w, h)
	}
	img, err := canvas.DecodePNG(data)
	if err != nil {
		return canvas.NewBlack(w, h)
	}
	if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
		return canvas.NewBlack(w, h)
	}
	return img
}

// SaveSurface persists the surface atomically.
func (s *Store) SaveSurface(img *image.RGBA) error {
	data, err := canvas.EncodePNG(img)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, surfaceFile), data, defaultFileMode)
}

// LoadCursor returns the persisted cursor. Missing or malformed state reads
// as unset.
func (s *Store) LoadCursor() Cursor {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if err != nil {
		return Cursor{}
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}
	}
	return c
}

// SaveCursor persists the cursor atomically.
func (s *Store) SaveCursor(c Cursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("sandbox: marshal cursor: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, cursorFile), data, defaultFileMode)
}

// Prime ensures a surface file exists before the first turn, so the first
// frame comes through the same persistence path as every later one.
func (s *Store) Prime(w, h int) error {
	if _, err := os.Stat(filepath.Join(s.dir, surfaceFile)); err == nil {
		return nil
	}
	return s.SaveSurface(canvas.NewBlack(w, h))
}

// Reset wipes the surface and cursor state.
func (s *Store) Reset() error {
	for _, name := range []string{surfaceFile, cursorFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("sandbox: reset %s: %w", name, err)
		}
	}
	return nil
}
