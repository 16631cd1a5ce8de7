// Package expression implements the `${scope.path}` substitution
// grammar: references into task outputs, environment values, workflow
// metadata, and execution input. It is deliberately not a general
// expression language: no calls, arithmetic, or side effects, only
// read-only path projection via github.com/tidwall/gjson.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// refPattern matches a whole `${...}` reference, capturing the inner
// scope.path expression and an optional `?? default` literal.
var refPattern = regexp.MustCompile(`\$\{\s*([a-zA-Z0-9_.\[\]]+)\s*(?:\?\?\s*([^}]+?)\s*)?\}`)

// MissingRefError is returned when a reference has no default and cannot
// be resolved; the Task Executor maps it to errs.ParamResolution.
type MissingRefError struct {
	Ref string
}

func (e *MissingRefError) Error() string {
	return fmt.Sprintf("unresolved reference %q", e.Ref)
}

// Context supplies the four scopes a reference can address.
type Context struct {
	// TaskOutputs maps task name to its raw JSON output.
	TaskOutputs map[string]json.RawMessage
	Env         map[string]string
	Workflow    WorkflowMeta
	Input       json.RawMessage
}

// WorkflowMeta backs the `workflow.{id,version,startedAt}` scope.
type WorkflowMeta struct {
	ID        string
	Version   int
	StartedAt string
}

// Resolve walks an arbitrary JSON-like tree (maps, slices, scalars) and
// substitutes every `${...}` reference it finds in string leaves.
func Resolve(value interface{}, ctx Context) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			r, err := Resolve(child, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			r, err := Resolve(child, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveString substitutes references inside one string value. A string
// that is entirely one `${...}` reference preserves the referent's type;
// a string containing embedded references or surrounding text always
// yields a string.
func resolveString(s string, ctx Context) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		var def *string
		if matches[0][4] != -1 {
			d := s[matches[0][4]:matches[0][5]]
			def = &d
		}
		return resolveScalar(path, def, ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		var def *string
		if m[4] != -1 {
			d := s[m[4]:m[5]]
			def = &d
		}
		resolved, err := resolveScalar(path, def, ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(resolved))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveScalar resolves one `scope.path` expression to a Go value.
func resolveScalar(path string, def *string, ctx Context) (interface{}, error) {
	ref := "${" + path + "}"

	scope, rest, _ := strings.Cut(path, ".")

	var raw json.RawMessage
	var gpath string

	switch scope {
	case "tasks":
		taskName, taskPath, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, &MissingRefError{Ref: ref}
		}
		out, exists := ctx.TaskOutputs[taskName]
		if !exists || out == nil {
			return defaultOrMissing(def, ref)
		}
		raw, gpath = out, taskPath
	case "env":
		v, ok := ctx.Env[rest]
		if !ok {
			return defaultOrMissing(def, ref)
		}
		return v, nil
	case "workflow":
		switch rest {
		case "id":
			return ctx.Workflow.ID, nil
		case "version":
			return ctx.Workflow.Version, nil
		case "startedAt":
			return ctx.Workflow.StartedAt, nil
		default:
			return defaultOrMissing(def, ref)
		}
	case "input":
		if ctx.Input == nil {
			return defaultOrMissing(def, ref)
		}
		raw, gpath = ctx.Input, rest
	default:
		return defaultOrMissing(def, ref)
	}

	result := gjson.GetBytes(raw, gjsonPath(gpath))
	if !result.Exists() || result.Type == gjson.Null {
		return defaultOrMissing(def, ref)
	}
	return result.Value(), nil
}

// defaultOrMissing applies the `?? literal` default. A default that parses
// as a JSON literal (number, bool, quoted string, null) substitutes as
// that value; anything else substitutes as a bare string.
func defaultOrMissing(def *string, ref string) (interface{}, error) {
	if def != nil {
		var v interface{}
		if err := json.Unmarshal([]byte(*def), &v); err == nil {
			return v, nil
		}
		return *def, nil
	}
	return nil, &MissingRefError{Ref: ref}
}

// indexPattern matches a bracketed array index (`[0]`).
var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// gjsonPath converts the bracketed index notation (`results[0].url`)
// into gjson's dot path syntax (`results.0.url`).
func gjsonPath(p string) string {
	return indexPattern.ReplaceAllString(p, ".$1")
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// References returns every `tasks.<name>` scope referenced anywhere in
// an arbitrary JSON-like parameter tree, without resolving them. The
// planner uses it to add implicit dependencies.
func References(value interface{}) []string {
	var names []string
	seen := map[string]bool{}
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
				path := m[1]
				if scope, rest, ok := strings.Cut(path, "."); ok && scope == "tasks" {
					name, _, _ := strings.Cut(rest, ".")
					if name != "" && !seen[name] {
						seen[name] = true
						names = append(names, name)
					}
				}
			}
		case map[string]interface{}:
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(value)
	return names
}
