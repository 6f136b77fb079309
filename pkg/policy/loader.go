package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Directories are walked
// recursively and files of other types are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	seen := make(map[string]string, len(policies))
	for _, p := range policies {
		if prev, ok := seen[p.Name]; ok {
			return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, p.Source)
		}
		seen[p.Name] = p.Source
	}

	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	policy, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".rego", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policy, err := l.loadFromFile(ctx, file)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}

	l.logger.Debug().
		Str("directory", dirPath).
		Int("count", len(policies)).
		Msg("Loaded policies from directory")

	return policies, nil
}

func (l *Loader) loadFromFile(_ context.Context, filePath string) (*Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = parseRegoFile(filePath, data)
	case ".json":
		policy, err = parseJSONFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", filePath)
	}
	policy.Source = filePath

	l.logger.Debug().
		Str("file", filePath).
		Str("policy", policy.Name).
		Msg("Loaded policy")

	return policy, nil
}

// parseRegoFile names the policy after the file and takes its description from the
// leading comment block.
func parseRegoFile(filePath string, data []byte) *Policy {
	content := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: extractDescription(content),
		Rego:        content,
		Severity:    SeverityError,
		Enabled:     true,
	}
}

func parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", policy.Name)
	}
	policy.Builtin = false
	return &policy, nil
}

// extractDescription joins the comment lines that precede the first statement.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}

	return description.String()
}
