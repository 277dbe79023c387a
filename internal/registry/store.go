package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"converge/internal/engine"
)

// ErrNotFound is returned when a target definition file does not exist.
var ErrNotFound = errors.New("target not found")

// Store persists target definitions as one YAML file per target inside a
// single directory. The file name is the target name plus ".yaml".
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating targets directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store persists into.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads a single target definition by name.
func (s *Store) Load(name string) (engine.Target, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.Target{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return engine.Target{}, err
	}

	var target engine.Target
	if err := yaml.Unmarshal(data, &target); err != nil {
		return engine.Target{}, fmt.Errorf("parsing target %s: %w", name, err)
	}
	if target.Name == "" {
		target.Name = name
	}
	if target.Name != name {
		return engine.Target{}, fmt.Errorf("target file %s declares name %q", name, target.Name)
	}
	return target, nil
}

// LoadAll reads every target definition in the directory, sorted by name.
// Malformed files are skipped and reported in the returned error slice so
// one bad file cannot block the rest.
func (s *Store) LoadAll() ([]engine.Target, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{err}
	}

	var targets []engine.Target
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		name := targetName(entry.Name())
		target, err := s.Load(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, errs
}

// Save writes a target definition, replacing any previous file.
func (s *Store) Save(target engine.Target) error {
	if target.Name == "" {
		return fmt.Errorf("target has no name")
	}
	data, err := yaml.Marshal(target)
	if err != nil {
		return fmt.Errorf("encoding target %s: %w", target.Name, err)
	}
	return os.WriteFile(s.path(target.Name), data, 0644)
}

// Delete removes a target definition file. A missing file is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// targetName strips the YAML extension from a file name.
func targetName(fileName string) string {
	name := strings.TrimSuffix(fileName, ".yaml")
	return strings.TrimSuffix(name, ".yml")
}

// isYAMLFile checks if a file path is a YAML file.
func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
