package config

import "franz/internal/action"

// EnabledKinds flattens the per-call gates into the allowlist map the
// executor consumes. Unset gates default to enabled.
func (t ToolsConfig) EnabledKinds() map[action.Kind]bool {
	out := map[action.Kind]bool{}
	set := func(k action.Kind, v *bool) {
		if v != nil {
			out[k] = *v
		}
	}
	set(action.KindLeftClick, t.LeftClick)
	set(action.KindRightClick, t.RightClick)
	set(action.KindDoubleLeftClick, t.DoubleLeftClick)
	set(action.KindDrag, t.Drag)
	set(action.KindType, t.Type)
	set(action.KindScreenshot, t.Screenshot)
	return out
}
