// Package registry keeps the profiles known to the application and persists them as one
// JSON record file per profile in a flat directory.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/vector"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// RecordSuffix marks the files of a directory that hold profile records.
const RecordSuffix = ".profile.json"

// Manager is an in-memory registry of profiles keyed by id. It is not safe for
// concurrent use. The registry and its directory are only synchronised by explicit
// Load*/Save* calls.
type Manager struct {
	profiles  map[string]*profile.Profile
	directory string
	suffix    string
}

// New creates a manager holding the given profiles.
func New(profiles ...*profile.Profile) (*Manager, error) {
	m := &Manager{
		profiles: make(map[string]*profile.Profile, len(profiles)),
		suffix:   RecordSuffix,
	}
	for _, p := range profiles {
		if _, err := m.Add(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Directory returns the last directory loaded from or saved to, or "" if none.
func (m *Manager) Directory() string {
	return m.directory
}

// Suffix returns the record file suffix used by this manager.
func (m *Manager) Suffix() string {
	return m.suffix
}

// Len returns the number of registered profiles.
func (m *Manager) Len() int {
	return len(m.profiles)
}

// IDs returns the registered ids in sorted order.
func (m *Manager) IDs() []string {
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckID reports whether id can name a record file directly under the profiles
// directory.
func CheckID(id string) error {
	if id == "" {
		return ErrEmptyIdentity
	}
	if id != filepath.Base(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: '%s'", ErrInvalidIdentity, id)
	}
	return nil
}

// Add registers p. It fails with ErrDuplicateIdentity if the id is taken, leaving the
// existing profile in place, and with ErrInvalidIdentity if the id is not a plain file name.
func (m *Manager) Add(p *profile.Profile) (bool, error) {
	if p == nil {
		return false, ErrEmptyIdentity
	}
	if err := CheckID(p.ID); err != nil {
		return false, err
	}
	if _, ok := m.profiles[p.ID]; ok {
		return false, fmt.Errorf("%w: '%s'", ErrDuplicateIdentity, p.ID)
	}
	m.profiles[p.ID] = p
	return true, nil
}

// Exists reports whether a profile with this id is registered.
func (m *Manager) Exists(id string) bool {
	_, ok := m.profiles[id]
	return ok
}

// Get returns the profile registered under id.
func (m *Manager) Get(id string) (*profile.Profile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownIdentity, id)
	}
	return p, nil
}

// Delete removes id from the registry and reports whether anything was removed.
// The record file on disk is left alone; see Remove.
func (m *Manager) Delete(id string) bool {
	if _, ok := m.profiles[id]; !ok {
		return false
	}
	delete(m.profiles, id)
	return true
}

// Remove deletes id from the registry and, when a directory is set, its record file.
func (m *Manager) Remove(id string) error {
	if !m.Delete(id) {
		return fmt.Errorf("%w: '%s'", ErrUnknownIdentity, id)
	}
	if m.directory == "" {
		return nil
	}
	path := filepath.Join(m.directory, id+m.suffix)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete record '%s': %w", path, err)
	}
	return nil
}

// Identify returns the profile whose saved encodings are, on average, closest to enc,
// provided that average is within tolerance. Profiles without encodings never match.
func (m *Manager) Identify(enc vector.Encoding, tolerance float64) (string, float64, bool) {
	bestID := ""
	bestAvg := 0.0
	for _, id := range m.IDs() {
		p := m.profiles[id]
		if len(p.Encodings) == 0 {
			continue
		}
		avg, _ := p.DistanceAgainstSaved(enc)
		if avg > tolerance {
			continue
		}
		if bestID == "" || avg < bestAvg {
			bestID, bestAvg = id, avg
		}
	}
	return bestID, bestAvg, bestID != ""
}

// LoadFile reads one record file and registers its profile. With validate set, the file
// is fully validated first and every problem is reported together.
func (m *Manager) LoadFile(path string, validate bool) error {
	if validate {
		if err := m.ValidateRecordFile(path); err != nil {
			return err
		}
	}

	p, err := readProfile(path)
	if err != nil {
		return err
	}
	_, err = m.Add(p)
	return err
}

// LoadDirectory registers every profile record found directly under dir and remembers dir
// as the manager's directory.
//
// Every record is validated before anything is registered, and all failures are returned
// together as an *InvalidDirectoryContentsError. Duplicate ids are also detected up
// front, so an error never leaves the registry partially loaded.
func (m *Manager) LoadDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: '%s'", ErrDirectoryNotFound, dir)
		}
		return fmt.Errorf("unable to access '%s': %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: '%s'", ErrNotADirectory, dir)
	}

	files, err := m.recordFiles(dir)
	if err != nil {
		return err
	}

	var invalid error
	for _, path := range files {
		if err := m.ValidateRecordFile(path); err != nil {
			log.WithField("file", path).Debug("registry: record failed validation")
			invalid = multierr.Append(invalid, err)
		}
	}
	if invalid != nil {
		return &InvalidDirectoryContentsError{Dir: dir, Err: invalid}
	}

	staged := make([]*profile.Profile, 0, len(files))
	origin := make(map[string]string, len(files))
	for _, path := range files {
		p, err := readProfile(path)
		if err != nil {
			return err
		}
		if err := CheckID(p.ID); err != nil {
			return fmt.Errorf("failed to load '%s': %w", path, err)
		}
		if m.Exists(p.ID) {
			return fmt.Errorf("%w: '%s' from '%s' is already registered", ErrDuplicateIdentity, p.ID, path)
		}
		if prev, ok := origin[p.ID]; ok {
			return fmt.Errorf("%w: '%s' is defined by both '%s' and '%s'", ErrDuplicateIdentity, p.ID, prev, path)
		}
		origin[p.ID] = path
		staged = append(staged, p)
	}

	for _, p := range staged {
		m.profiles[p.ID] = p
	}
	m.directory = dir

	log.WithFields(log.Fields{"dir": dir, "profiles": len(staged)}).Info("registry: directory loaded")
	return nil
}

// SaveDirectory writes one record file per profile into dir, creating it if needed, and
// returns the written paths. Files written before a failure stay on disk. Unless
// updateDefault is false, dir becomes the manager's directory.
func (m *Manager) SaveDirectory(dir string, updateDefault bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	written := make([]string, 0, len(m.profiles))
	for _, id := range m.IDs() {
		if err := CheckID(id); err != nil {
			return written, err
		}

		data, err := m.profiles[id].Serialize()
		if err != nil {
			return written, err
		}

		path := filepath.Join(dir, id+m.suffix)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return written, fmt.Errorf("failed to write '%s': %w", path, err)
		}
		written = append(written, path)
	}

	if updateDefault {
		m.directory = dir
	}

	log.WithFields(log.Fields{"dir": dir, "profiles": len(written)}).Info("registry: directory saved")
	return written, nil
}

// Save writes every profile to the manager's directory.
func (m *Manager) Save() ([]string, error) {
	if m.directory == "" {
		return nil, ErrNoDirectory
	}
	return m.SaveDirectory(m.directory, false)
}

// recordFiles lists the record files directly under dir, sorted by name.
func (m *Manager) recordFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s': %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), m.suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

func readProfile(path string) (*profile.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s': %w", path, err)
	}
	p, err := profile.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load '%s': %w", path, err)
	}
	return p, nil
}
