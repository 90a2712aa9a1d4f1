package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// severityDirective sets a .rego file's default severity, e.g. "# severity: warning".
const severityDirective = "severity:"

// Loader reads guard policies from disk.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}

	p, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory loads every .rego and .json file under dir in lexical order.
func (l *Loader) loadFromDirectory(dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, path := range files {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p, err = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		p, err = parseJSONFile(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRegoFile names the policy after the file and reads its leading comments.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	description, severity := parseHeader(string(data))
	if severity == "" {
		severity = SeverityError
	}
	if err := severity.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}, nil
}

// parseJSONFile parses a JSON policy definition carrying its Rego inline.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if err := p.Severity.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Enabled = true
	p.Source = path
	return &p, nil
}

// parseHeader reads the comment block at the top of a Rego file.
func parseHeader(content string) (string, Severity) {
	var (
		description strings.Builder
		severity    Severity
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if rest, ok := strings.CutPrefix(comment, severityDirective); ok {
			severity = Severity(strings.ToLower(strings.TrimSpace(rest)))
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String(), severity
}
