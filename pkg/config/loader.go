package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/harden/pkg/engine"
)

// Format is a policy document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", engine.NewSchemaError(fmt.Sprintf("unsupported policy file extension %q", filepath.Ext(path)), nil)
	}
}

// Loader turns policy files into validated engine documents.
// A Loader is not safe for concurrent use.
type Loader struct {
	cue       *cue.Context
	schema    cue.Value
	schemaErr error
	validate  *validator.Validate
	vars      map[string]string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithVars overrides document-level vars, typically from --var flags.
func WithVars(vars map[string]string) LoaderOption {
	return func(l *Loader) {
		for k, v := range vars {
			l.vars[k] = v
		}
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	ctx := cuecontext.New()
	l := &Loader{
		cue:      ctx,
		validate: newValidator(),
		vars:     make(map[string]string),
	}
	l.schema, l.schemaErr = compileSchema(ctx)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadFile reads and loads the document at path.
func (l *Loader) LoadFile(path string) (*engine.Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewSchemaError("cannot read policy file "+path, err)
	}
	return l.Load(path, data, format)
}

// Load parses, expands and validates a document. Every error is a SchemaError
// and no partially built document is returned.
func (l *Loader) Load(source string, data []byte, format Format) (*engine.Document, error) {
	file, err := l.Parse(source, data, format)
	if err != nil {
		return nil, err
	}

	doc, err := l.Build(file)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	doc.Source = source
	doc.Digest = hex.EncodeToString(sum[:])
	return doc, nil
}

// Parse decodes raw bytes into a DocumentFile and checks its struct tags.
func (l *Loader) Parse(source string, data []byte, format Format) (*DocumentFile, error) {
	var (
		file DocumentFile
		errs ValidationErrors
	)

	switch format {
	case FormatYAML:
		errs = decodeYAML(source, data, &file)
	case FormatJSON:
		errs = decodeJSON(source, data, &file)
	case FormatCUE:
		errs = l.decodeCUE(source, data, &file)
	default:
		return nil, engine.NewSchemaError(fmt.Sprintf("unsupported policy format %q", format), nil)
	}

	if len(errs) == 0 {
		errs = l.checkTags(source, &file)
	}
	if len(errs) > 0 {
		return nil, engine.NewSchemaError("invalid policy document "+source, errs)
	}
	return &file, nil
}

func decodeYAML(source string, data []byte, file *DocumentFile) ValidationErrors {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(file); err != nil {
		if errors.Is(err, io.EOF) {
			return ValidationErrors{{File: source, Message: "document is empty"}}
		}
		return ValidationErrors{{File: source, Message: err.Error()}}
	}
	return nil
}

func decodeJSON(source string, data []byte, file *DocumentFile) ValidationErrors {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(file); err != nil {
		if errors.Is(err, io.EOF) {
			return ValidationErrors{{File: source, Message: "document is empty"}}
		}
		return ValidationErrors{{File: source, Message: err.Error()}}
	}
	return nil
}

// decodeCUE evaluates a CUE document against #Document and exports it as JSON.
func (l *Loader) decodeCUE(source string, data []byte, file *DocumentFile) ValidationErrors {
	if l.schemaErr != nil {
		return ValidationErrors{{File: source, Message: l.schemaErr.Error()}}
	}

	val := l.cue.CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	exported, err := unified.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	return decodeJSON(source, exported, file)
}

// convertCUEErrors flattens a CUE error list, keeping the first position of each.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func (l *Loader) checkTags(source string, file *DocumentFile) ValidationErrors {
	err := l.validate.Struct(file)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{File: source, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{File: source, Path: path, Message: msg})
	}
	return out
}
