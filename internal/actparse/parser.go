// Package actparse extracts grammar calls from raw model output. It is the
// sandboxing boundary of the pipeline: input text is parsed as a syntax tree
// and never evaluated, and only single call expressions whose arguments are
// literal constants can be accepted. Everything else is a rejected fragment.
package actparse

import (
	"strings"

	"go.starlark.net/syntax"

	"franz/internal/action"
)

// Result is the parser output. Accepted preserves source order and holds
// canonicalized actions (screenshot included); Rejected holds the raw
// fragments that failed the grammar, verbatim.
type Result struct {
	Accepted []action.Action
	Rejected []string
}

// Parse scans raw model text for action lines and validates each against the
// grammar. It never returns an error: malformed input of any shape lands in
// Rejected and parsing continues with the next line.
func Parse(text string) Result {
	var res Result
	for _, line := range candidateLines(text) {
		if a, ok := parseLine(line); ok {
			res.Accepted = append(res.Accepted, a)
		} else {
			res.Rejected = append(res.Rejected, line)
		}
	}
	return res
}

// candidateLines locates the ACTIONS section and returns its non-empty
// lines. When no ACTIONS header exists, it falls back to every line shaped
// like a single call: opens an argument list and ends with ')'.
func candidateLines(text string) []string {
	var out []string
	section := ""
	sawHeader := false

	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		switch strings.ToUpper(strings.TrimSuffix(s, ":")) {
		case "NARRATIVE":
			section = "narrative"
			continue
		case "ACTIONS":
			section = "actions"
			sawHeader = true
			continue
		}
		if section == "actions" && s != "" {
			out = append(out, s)
		}
	}
	if sawHeader {
		return out
	}

	out = out[:0]
	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		if strings.Contains(s, "(") && strings.HasSuffix(s, ")") {
			out = append(out, s)
		}
	}
	return out
}

// parseOptions keeps every optional language feature off; the input is a
// single expression, nothing more.
var parseOptions = &syntax.FileOptions{}

// parseLine parses one candidate as exactly one grammar call with literal
// arguments. Any other expression form, unknown name, non-literal argument,
// arity or type mismatch yields ok=false.
func parseLine(line string) (action.Action, bool) {
	expr, err := parseOptions.ParseExpr("action", line, 0)
	if err != nil {
		return action.Action{}, false
	}

	call, ok := expr.(*syntax.CallExpr)
	if !ok {
		return action.Action{}, false
	}
	ident, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return action.Action{}, false
	}
	kind, ok := action.Lookup(ident.Name)
	if !ok {
		return action.Action{}, false
	}

	var positional []any
	keyword := map[string]any{}
	for _, arg := range call.Args {
		switch node := arg.(type) {
		case *syntax.Literal:
			v, ok := literalValue(node)
			if !ok {
				return action.Action{}, false
			}
			if len(keyword) > 0 {
				return action.Action{}, false
			}
			positional = append(positional, v)
		case *syntax.BinaryExpr:
			if node.Op != syntax.EQ {
				return action.Action{}, false
			}
			name, ok := node.X.(*syntax.Ident)
			if !ok {
				return action.Action{}, false
			}
			lit, ok := node.Y.(*syntax.Literal)
			if !ok {
				return action.Action{}, false
			}
			v, ok := literalValue(lit)
			if !ok {
				return action.Action{}, false
			}
			if _, dup := keyword[name.Name]; dup {
				return action.Action{}, false
			}
			keyword[name.Name] = v
		default:
			return action.Action{}, false
		}
	}

	return buildAction(kind, positional, keyword)
}

// literalValue narrows a literal node to the two argument types the grammar
// admits: integers and strings. Floats and anything else are rejected.
func literalValue(lit *syntax.Literal) (any, bool) {
	switch lit.Token {
	case syntax.INT:
		n, ok := lit.Value.(int64)
		if !ok {
			return nil, false
		}
		return int(n), true
	case syntax.STRING:
		s, ok := lit.Value.(string)
		if !ok {
			return nil, false
		}
		return s, true
	default:
		return nil, false
	}
}

// buildAction resolves positional and keyword arguments against the kind's
// fixed parameter order and validates arity and types.
func buildAction(kind action.Kind, positional []any, keyword map[string]any) (action.Action, bool) {
	params := kind.Params()
	if len(positional) > len(params) {
		return action.Action{}, false
	}

	slots := map[string]any{}
	for i, v := range positional {
		slots[params[i]] = v
	}
	for name, v := range keyword {
		if !validParam(params, name) {
			return action.Action{}, false
		}
		if _, dup := slots[name]; dup {
			return action.Action{}, false
		}
		slots[name] = v
	}
	if len(slots) != len(params) {
		return action.Action{}, false
	}

	a := action.Action{Kind: kind}
	switch kind {
	case action.KindLeftClick, action.KindRightClick, action.KindDoubleLeftClick:
		x, okX := slots["x"].(int)
		y, okY := slots["y"].(int)
		if !okX || !okY {
			return action.Action{}, false
		}
		a.X, a.Y = x, y
	case action.KindDrag:
		x1, ok1 := slots["x1"].(int)
		y1, ok2 := slots["y1"].(int)
		x2, ok3 := slots["x2"].(int)
		y2, ok4 := slots["y2"].(int)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return action.Action{}, false
		}
		a.X, a.Y, a.X2, a.Y2 = x1, y1, x2, y2
	case action.KindType:
		t, ok := slots["text"].(string)
		if !ok {
			return action.Action{}, false
		}
		a.Text = t
	case action.KindScreenshot:
		// no arguments
	}
	return a, true
}

func validParam(params []string, name string) bool {
	for _, p := range params {
		if p == name {
			return true
		}
	}
	return false
}
