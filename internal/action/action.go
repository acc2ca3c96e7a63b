// Package action defines the six-call action grammar shared by the parser,
// the renderers and the reconciler. An Action is a closed tagged variant;
// unknown call names never reach this package, they are parse rejections.
package action

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindLeftClick       Kind = "left_click"
	KindRightClick      Kind = "right_click"
	KindDoubleLeftClick Kind = "double_left_click"
	KindDrag            Kind = "drag"
	KindType            Kind = "type"
	KindScreenshot      Kind = "screenshot"
)

// Kinds lists every grammar call in a stable order.
var Kinds = []Kind{
	KindLeftClick,
	KindRightClick,
	KindDoubleLeftClick,
	KindDrag,
	KindType,
	KindScreenshot,
}

// aliases maps every accepted call name to its grammar kind. "click" is a
// pure alias of "left_click"; all other names map to themselves.
var aliases = map[string]Kind{
	"left_click":        KindLeftClick,
	"click":             KindLeftClick,
	"right_click":       KindRightClick,
	"double_left_click": KindDoubleLeftClick,
	"drag":              KindDrag,
	"type":              KindType,
	"screenshot":        KindScreenshot,
}

// Lookup resolves a call name (including aliases) to its grammar kind.
func Lookup(name string) (Kind, bool) {
	k, ok := aliases[strings.TrimSpace(name)]
	return k, ok
}

// Params returns the fixed positional parameter names for a kind. Keyword
// arguments are resolved against this order during canonicalization.
func (k Kind) Params() []string {
	switch k {
	case KindLeftClick, KindRightClick, KindDoubleLeftClick:
		return []string{"x", "y"}
	case KindDrag:
		return []string{"x1", "y1", "x2", "y2"}
	case KindType:
		return []string{"text"}
	default:
		return nil
	}
}

// Action is one parsed, canonicalized call. Coordinate fields are meaningful
// only for the kinds that declare them; Text only for KindType.
type Action struct {
	Kind Kind
	X    int
	Y    int
	X2   int
	Y2   int
	Text string
}

// Canonical returns the fixed positional textual form used for
// cross-component equality, e.g. "left_click(500, 500)". The form is
// deterministic: two semantically identical calls always canonicalize to the
// same string.
func (a Action) Canonical() string {
	switch a.Kind {
	case KindLeftClick, KindRightClick, KindDoubleLeftClick:
		return fmt.Sprintf("%s(%d, %d)", a.Kind, a.X, a.Y)
	case KindDrag:
		return fmt.Sprintf("drag(%d, %d, %d, %d)", a.X, a.Y, a.X2, a.Y2)
	case KindType:
		return "type(" + strconv.Quote(a.Text) + ")"
	case KindScreenshot:
		return "screenshot()"
	default:
		return string(a.Kind) + "()"
	}
}

// Canonicals maps a slice of actions to their canonical strings, preserving
// order.
func Canonicals(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Canonical())
	}
	return out
}
