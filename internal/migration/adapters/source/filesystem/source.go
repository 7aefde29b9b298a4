// Package filesystem discovers migrations in a directory of SQL files.
//
// Files are named NNN_name.up.sql and NNN_name.down.sql, optionally with a
// dialect before the direction (NNN_name.mysql.up.sql) to override the
// generic file for one driver. A bare NNN_name.sql is an up migration.
// Dependencies are declared with "-- depends-on: a, b" comment lines at the
// top of the up file, or in a dependencies.yaml manifest next to the files.
package filesystem

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// ManifestName is the optional dependency manifest
const ManifestName = "dependencies.yaml"

const dependsOnPrefix = "-- depends-on:"

var fileNamePattern = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_\-]+?)(?:\.(postgres|mysql))?(?:\.(up|down))?\.sql$`)

// Manifest is the schema of dependencies.yaml
type Manifest struct {
	Dependencies map[string][]string `yaml:"dependencies"`
}

type migrationFiles struct {
	descriptor model.Descriptor
	// keyed by driver; "" is the generic file
	up   map[model.Driver]string
	down map[model.Driver]string
}

// Source reads migrations from a file system
type Source struct {
	fsys fs.FS
	name string

	mu         sync.RWMutex
	migrations map[string]*migrationFiles
	ordered    []model.Descriptor
}

// New creates a source for a directory and loads it
func New(dir string) (*Source, error) {
	return NewFS(os.DirFS(dir), dir)
}

// NewFS creates a source over fsys and loads it. name is used in messages.
func NewFS(fsys fs.FS, name string) (*Source, error) {
	s := &Source{fsys: fsys, name: name}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load rescans the file system and replaces the known migrations
func (s *Source) Load() error {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory %s: %w", s.name, err)
	}

	migrations := make(map[string]*migrationFiles)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		id := match[1] + "_" + match[2]
		driver := model.Driver(match[3])
		direction := model.DirectionUp
		if match[4] == "down" {
			direction = model.DirectionDown
		}

		content, err := fs.ReadFile(s.fsys, entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		m, ok := migrations[id]
		if !ok {
			key, err := model.ParseOrderKey(id)
			if err != nil {
				return err
			}
			m = &migrationFiles{
				descriptor: model.Descriptor{
					ID:       id,
					Name:     match[2],
					OrderKey: key,
				},
				up:   make(map[model.Driver]string),
				down: make(map[model.Driver]string),
			}
			migrations[id] = m
		}

		target := m.up
		if direction == model.DirectionDown {
			target = m.down
		}
		if _, dup := target[driver]; dup {
			return fmt.Errorf("migration %s has more than one %s file for driver %q", id, direction, driver)
		}
		target[driver] = string(content)

		if direction == model.DirectionUp && driver == "" {
			if info, err := entry.Info(); err == nil {
				m.descriptor.CreatedAt = info.ModTime()
			}
		}
	}

	for id, m := range migrations {
		up, ok := m.up[""]
		if !ok {
			// a dialect-only migration is identified by its first dialect file
			for _, d := range []model.Driver{model.DriverPostgres, model.DriverMySQL} {
				if content, found := m.up[d]; found {
					up, ok = content, true
					break
				}
			}
		}
		if !ok {
			return fmt.Errorf("migration %s has no up file", id)
		}
		m.descriptor.Checksum = Checksum(up)
		m.descriptor.DependsOn = parseDependsOn(up)
	}

	manifest, err := s.readManifest()
	if err != nil {
		return err
	}
	for id, deps := range manifest.Dependencies {
		m, ok := migrations[id]
		if !ok {
			return fmt.Errorf("%s: unknown migration %s", ManifestName, id)
		}
		m.descriptor.DependsOn = mergeIDs(m.descriptor.DependsOn, deps)
	}

	ordered := make([]model.Descriptor, 0, len(migrations))
	for _, m := range migrations {
		ordered = append(ordered, m.descriptor)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].OrderKey != ordered[j].OrderKey {
			return ordered[i].OrderKey < ordered[j].OrderKey
		}
		return ordered[i].ID < ordered[j].ID
	})
	if err := checkOrdering(ordered, migrations); err != nil {
		return err
	}

	s.mu.Lock()
	s.migrations = migrations
	s.ordered = ordered
	s.mu.Unlock()
	return nil
}

// checkOrdering rejects migrations sharing an order key and declared
// dependencies on a migration that is not older than the dependent.
// Dependencies on unknown ids are left to the dependency check at apply time.
func checkOrdering(ordered []model.Descriptor, migrations map[string]*migrationFiles) error {
	for i := 1; i < len(ordered); i++ {
		if ordered[i].OrderKey == ordered[i-1].OrderKey {
			return fmt.Errorf("migrations %s and %s share order key %d", ordered[i-1].ID, ordered[i].ID, ordered[i].OrderKey)
		}
	}
	for _, d := range ordered {
		for _, dep := range d.DependsOn {
			if m, ok := migrations[dep]; ok && m.descriptor.OrderKey >= d.OrderKey {
				return fmt.Errorf("migration %s depends on %s, which is not older", d.ID, dep)
			}
		}
	}
	return nil
}

func (s *Source) readManifest() (Manifest, error) {
	var manifest Manifest
	data, err := fs.ReadFile(s.fsys, ManifestName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest, nil
		}
		return manifest, fmt.Errorf("failed to read %s: %w", ManifestName, err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("failed to parse %s: %w", ManifestName, err)
	}
	return manifest, nil
}

// ListMigrations returns every migration ordered by order key
func (s *Source) ListMigrations(_ context.Context) ([]model.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Descriptor, len(s.ordered))
	copy(out, s.ordered)
	return out, nil
}

// GetMigration returns the descriptor of id, or nil when unknown
func (s *Source) GetMigration(_ context.Context, id string) (*model.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.migrations[id]
	if !ok {
		return nil, nil
	}
	d := m.descriptor
	return &d, nil
}

// GenerateUp returns the up SQL of id for driver
func (s *Source) GenerateUp(_ context.Context, id string, driver model.Driver) (string, error) {
	return s.sql(id, driver, model.DirectionUp)
}

// GenerateDown returns the down SQL of id for driver
func (s *Source) GenerateDown(_ context.Context, id string, driver model.Driver) (string, error) {
	return s.sql(id, driver, model.DirectionDown)
}

func (s *Source) sql(id string, driver model.Driver, direction model.Direction) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.migrations[id]
	if !ok {
		return "", model.NewNotFoundError(id)
	}

	files := m.up
	if direction == model.DirectionDown {
		files = m.down
	}
	if content, ok := files[driver]; ok {
		return content, nil
	}
	if content, ok := files[""]; ok {
		return content, nil
	}
	if driver == "" {
		return "", fmt.Errorf("no %s migration for %s", direction, id)
	}
	return "", fmt.Errorf("no %s migration for %s with driver %s", direction, id, driver)
}

// Dependencies returns every declared dependency edge
func (s *Source) Dependencies() []model.DependencyEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []model.DependencyEdge
	for _, d := range s.ordered {
		for _, dep := range d.DependsOn {
			edges = append(edges, model.DependencyEdge{DependsOn: dep, Dependent: d.ID})
		}
	}
	return edges
}

// Checksum returns the blake2b-256 digest of content in hex
func Checksum(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// parseDependsOn reads depends-on headers from the leading comment block
func parseDependsOn(content string) []string {
	var deps []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if !strings.HasPrefix(strings.ToLower(line), dependsOnPrefix) {
			continue
		}
		for _, id := range strings.Split(line[len(dependsOnPrefix):], ",") {
			if id = strings.TrimSpace(id); id != "" {
				deps = mergeIDs(deps, []string{id})
			}
		}
	}
	return deps
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Watch reloads the source every interval until ctx is done. Reload errors are
// passed to onError and the previous state is kept.
func (s *Source) Watch(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Load(); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
