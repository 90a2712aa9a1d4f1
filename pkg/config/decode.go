package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/harden/pkg/engine"
)

// scalarFields lists desired fields that are strings in the engine but are
// often written as bare YAML numbers (sysctl values, numeric owners).
var scalarFields = map[engine.Kind][]string{
	engine.KindSysctlValue:    {"value"},
	engine.KindFileAttributes: {"owner", "group"},
	engine.KindPackageState:   {"version"},
	engine.KindLineInFile:     {"line"},
}

// Build expands loops and templates and decodes every resource into its
// kind-specific spec. All problems are collected before failing.
func (l *Loader) Build(file *DocumentFile) (*engine.Document, error) {
	var errs ValidationErrors
	doc := &engine.Document{
		Name:     file.Name,
		Handlers: make(map[string]engine.Handler, len(file.Handlers)),
	}

	for i, h := range file.Handlers {
		path := fmt.Sprintf("handlers[%d]", i)
		if _, dup := doc.Handlers[h.Name]; dup {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate handler name %q", h.Name)})
			continue
		}
		handler := engine.Handler{
			Name: h.Name,
			Action: engine.HandlerAction{
				Service: h.Action.Service,
				Verb:    engine.ServiceAction(h.Action.Verb),
				Command: h.Action.Command,
			},
		}
		if err := handler.Action.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: path, Message: err.Error()})
			continue
		}
		doc.Handlers[h.Name] = handler
	}

	vars := mergeVars(file.Vars, l.vars)
	seen := make(map[string]string)
	for i, decl := range file.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		expanded, err := expand(decl, vars)
		if err != nil {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("%s: %v", decl.ID, err)})
			continue
		}

		for _, d := range expanded {
			if prev, dup := seen[d.ID]; dup {
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate resource id %q (first declared at %s)", d.ID, prev)})
				continue
			}
			seen[d.ID] = path

			res, err := decodeResource(d)
			if err != nil {
				errs = append(errs, ValidationError{Path: path, Message: err.Error()})
				continue
			}
			for _, name := range res.Notify {
				if _, ok := doc.Handlers[name]; !ok {
					errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("resource %q notifies unknown handler %q", res.ID, name)})
				}
			}
			doc.Resources = append(doc.Resources, res)
		}
	}

	if len(errs) > 0 {
		return nil, engine.NewSchemaError("invalid policy document", errs)
	}
	if doc.Resources == nil {
		doc.Resources = []engine.Resource{}
	}
	return doc, nil
}

// newSpec returns an empty spec for the kind.
func newSpec(kind engine.Kind) (engine.Spec, error) {
	switch kind {
	case engine.KindPackageState:
		return &engine.PackageSpec{}, nil
	case engine.KindServiceState:
		return &engine.ServiceSpec{}, nil
	case engine.KindFileAttributes:
		return &engine.FileSpec{}, nil
	case engine.KindLineInFile:
		return &engine.LineSpec{}, nil
	case engine.KindMountOption:
		return &engine.MountSpec{}, nil
	case engine.KindSysctlValue:
		return &engine.SysctlSpec{}, nil
	case engine.KindCommandAssertion:
		return &engine.CommandSpec{}, nil
	default:
		return nil, kind.Validate()
	}
}

// decodeResource decodes params and desired strictly into the kind's spec
// and validates it.
func decodeResource(d ResourceDecl) (engine.Resource, error) {
	kind := engine.Kind(d.Kind)
	spec, err := newSpec(kind)
	if err != nil {
		return engine.Resource{}, schemaError(err, d.ID, kind)
	}

	// A bare 0644 decodes as decimal 420, so modes must be quoted.
	if mode, ok := d.Desired["mode"]; ok {
		if _, isString := mode.(string); !isString {
			return engine.Resource{}, engine.NewSchemaError(fmt.Sprintf("mode must be a quoted octal string such as \"0644\", got %v", mode), nil).
				WithResource(d.ID).WithKind(kind)
		}
	}

	payload := map[string]any{
		"params":  orEmpty(d.Params),
		"desired": coerceScalars(kind, orEmpty(d.Desired)),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return engine.Resource{}, engine.NewSchemaError("params and desired must be plain mappings", err).
			WithResource(d.ID).WithKind(kind)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return engine.Resource{}, engine.NewSchemaError("cannot decode params/desired", err).
			WithResource(d.ID).WithKind(kind)
	}
	if err := spec.Validate(); err != nil {
		return engine.Resource{}, schemaError(err, d.ID, kind)
	}

	return engine.Resource{
		ID:      d.ID,
		Kind:    kind,
		Spec:    spec,
		Notify:  d.Notify,
		Fatal:   d.Fatal,
		Tags:    d.Tags,
		Timeout: time.Duration(d.Timeout),
	}, nil
}

func schemaError(err error, id string, kind engine.Kind) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.WithResource(id).WithKind(kind)
	}
	return engine.NewSchemaError("invalid resource", err).WithResource(id).WithKind(kind)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func coerceScalars(kind engine.Kind, desired map[string]any) map[string]any {
	fields := scalarFields[kind]
	if len(fields) == 0 {
		return desired
	}
	out := make(map[string]any, len(desired))
	for k, v := range desired {
		out[k] = v
	}
	for _, f := range fields {
		switch v := out[f].(type) {
		case int, int64, uint64, float64:
			out[f] = stringify(v)
		case bool:
			out[f] = strconv.FormatBool(v)
		}
	}
	return out
}
