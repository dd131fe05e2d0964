package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

const (
	fileExt     = ".artifact"
	versionsDir = "versions"
)

// Mirror is a remote copy of the artifact directory.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
}

// Info describes a stored artifact without its payload.
type Info struct {
	Name      string             `json:"name"`
	Key       domain.ModelKey    `json:"key"`
	Family    domain.ModelFamily `json:"family"`
	Version   string             `json:"version"`
	SizeBytes int64              `json:"size_bytes"`
}

// Store keeps one current artifact per name and archives superseded versions.
// Writes go to a temp file and are renamed into place.
type Store struct {
	dir    string
	mirror Mirror
	mu     sync.Mutex
	log    zerolog.Logger
}

// NewStore creates a store rooted at dir. mirror may be nil.
func NewStore(dir string, mirror Mirror, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, versionsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{
		dir:    dir,
		mirror: mirror,
		log:    log.With().Str("component", "artifact_store").Logger(),
	}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return domain.NewValidationError("name", fmt.Sprintf("invalid artifact name %q", name))
	}
	return nil
}

// Save writes a as the current artifact called name. The artifact it replaces
// is moved to versions/{name}_{version}.artifact.
func (s *Store) Save(ctx context.Context, name string, a *Artifact) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := Encode(a)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.path(name)
	if prev, err := os.ReadFile(current); err == nil {
		if err := s.archive(name, prev); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read current artifact %s: %w", name, err)
	}

	tmp := current + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install artifact %s: %w", name, err)
	}

	s.log.Info().
		Str("name", name).
		Str("version", a.Version).
		Int("size_bytes", len(data)).
		Msg("Artifact saved")

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, name+fileExt, data); err != nil {
			// The local copy is authoritative
			s.log.Warn().Err(err).Str("name", name).Msg("Failed to mirror artifact")
		}
	}
	return nil
}

func (s *Store) archive(name string, prev []byte) error {
	version := "unknown"
	if old, err := Decode(prev); err == nil {
		version = old.Version
	}
	target := filepath.Join(s.dir, versionsDir, fmt.Sprintf("%s_%s%s", name, version, fileExt))
	if err := os.WriteFile(target, prev, 0644); err != nil {
		return fmt.Errorf("failed to archive artifact %s: %w", name, err)
	}
	s.log.Debug().Str("name", name).Str("version", version).Msg("Archived previous artifact")
	return nil
}

// Load reads the current artifact called name, falling back to the mirror.
// Returns domain.NotFoundError when neither has it.
func (s *Store) Load(ctx context.Context, name string) (*Artifact, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = s.fetch(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *Store) fetch(ctx context.Context, name string) ([]byte, error) {
	notFound := &domain.NotFoundError{Kind: "artifact", Name: name}
	if s.mirror == nil {
		return nil, notFound
	}
	data, err := s.mirror.Download(ctx, name+fileExt)
	if err != nil {
		s.log.Debug().Err(err).Str("name", name).Msg("Artifact not available from mirror")
		return nil, notFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(name), data, 0644); err != nil {
		s.log.Warn().Err(err).Str("name", name).Msg("Failed to cache mirrored artifact")
	}
	return data, nil
}

// List describes the current artifacts in name order.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
		}
		a, err := Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("Skipping unreadable artifact")
			continue
		}
		out = append(out, Info{Name: name, Key: a.Key, Family: a.Family, Version: a.Version, SizeBytes: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Versions lists archived versions of name, oldest first.
func (s *Store) Versions(name string) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, versionsDir, name+"_*"+fileExt))
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), fileExt)
		versions = append(versions, strings.TrimPrefix(base, name+"_"))
	}
	sort.Strings(versions)
	return versions, nil
}
