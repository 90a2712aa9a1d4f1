package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// scope binds template names for one expanded resource.
type scope struct {
	vars    map[string]any
	item    any
	hasItem bool
}

// mergeVars layers string overrides over the document vars.
func mergeVars(doc map[string]any, overrides map[string]string) map[string]any {
	out := make(map[string]any, len(doc)+len(overrides))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// expand returns the declarations produced by one authored declaration.
// A nil loop yields the declaration once; an empty loop yields nothing.
func expand(decl ResourceDecl, vars map[string]any) ([]ResourceDecl, error) {
	if decl.Loop == nil {
		out, err := scope{vars: vars}.apply(decl, decl.ID)
		if err != nil {
			return nil, err
		}
		return []ResourceDecl{out}, nil
	}

	templated := placeholderPattern.MatchString(decl.ID)
	out := make([]ResourceDecl, 0, len(decl.Loop))
	for i, item := range decl.Loop {
		id := decl.ID
		if !templated {
			id = fmt.Sprintf("%s[%d]", decl.ID, i)
		}
		d, err := scope{vars: vars, item: item, hasItem: true}.apply(decl, id)
		if err != nil {
			return nil, fmt.Errorf("loop item %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s scope) apply(decl ResourceDecl, id string) (ResourceDecl, error) {
	out := decl
	out.Loop = nil

	renderedID, err := s.renderString(id)
	if err != nil {
		return out, fmt.Errorf("id: %w", err)
	}
	out.ID = renderedID

	if out.Params, err = s.substituteMap(decl.Params); err != nil {
		return out, fmt.Errorf("params: %w", err)
	}
	if out.Desired, err = s.substituteMap(decl.Desired); err != nil {
		return out, fmt.Errorf("desired: %w", err)
	}
	return out, nil
}

func (s scope) substituteMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		sub, err := s.substitute(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = sub
	}
	return out, nil
}

func (s scope) substitute(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return s.render(val)
	case map[string]any:
		return s.substituteMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			sub, err := s.substitute(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// render substitutes placeholders in str. A string made of exactly one
// placeholder takes the bound value with its own type.
func (s scope) render(str string) (any, error) {
	if loc := placeholderPattern.FindStringSubmatchIndex(str); loc != nil && loc[0] == 0 && loc[1] == len(str) {
		return s.lookup(str[loc[2]:loc[3]])
	}
	return s.renderString(str)
}

func (s scope) renderString(str string) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(str, func(match string) string {
		expr := placeholderPattern.FindStringSubmatch(match)[1]
		v, err := s.lookup(expr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (s scope) lookup(expr string) (any, error) {
	parts := strings.Split(expr, ".")
	var cur any
	switch parts[0] {
	case "item":
		if !s.hasItem {
			return nil, fmt.Errorf("undefined template variable %q: not inside a loop", expr)
		}
		cur = s.item
	case "vars":
		if len(parts) == 1 {
			return nil, fmt.Errorf("undefined template variable %q", expr)
		}
		cur = s.vars
	default:
		return nil, fmt.Errorf("undefined template variable %q", expr)
	}

	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("undefined template variable %q", expr)
		}
		v, ok := m[p]
		if !ok {
			return nil, fmt.Errorf("undefined template variable %q", expr)
		}
		cur = v
	}
	return cur, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int, int64, uint64:
		return fmt.Sprint(val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
