// Package reconcile builds the per-turn report from the parser's accepted
// set and the renderer's applied set. An action is reported as executed only
// if it produced an observable effect; everything else is ignored.
package reconcile

import "franz/internal/action"

// Report is the final executed/ignored account of one turn. Executed and
// Ignored hold canonical action strings and raw rejected fragments,
// order-preserving. It is built fresh each turn and never persisted beyond
// the turn record.
type Report struct {
	Executed        []string `json:"executed"`
	Ignored         []string `json:"ignored"`
	WantsScreenshot bool     `json:"wants_screenshot"`
}

// Reconcile computes executed = requested ∩ applied by canonical-string
// equality, preserving requested order, and ignored = noted followed by
// requested \ applied. The invariant: nothing is reported executed unless
// the renderer confirmed a visual effect.
func Reconcile(requested, applied []action.Action, noted []string, wantsScreenshot bool) Report {
	appliedSet := make(map[string]int, len(applied))
	for _, a := range applied {
		appliedSet[a.Canonical()]++
	}

	report := Report{
		Executed:        []string{},
		Ignored:         append([]string{}, noted...),
		WantsScreenshot: wantsScreenshot,
	}
	for _, a := range requested {
		canon := a.Canonical()
		if appliedSet[canon] > 0 {
			appliedSet[canon]--
			report.Executed = append(report.Executed, canon)
		} else {
			report.Ignored = append(report.Ignored, canon)
		}
	}
	return report
}
