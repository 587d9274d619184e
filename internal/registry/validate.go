package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
)

// ValidateRecordFile checks that path is a readable profile record. File-level problems
// (missing, not a regular file, unreadable, not JSON) end the check early; the suffix and
// every schema problem are collected, so a single *ValidationError lists everything wrong
// with the file.
func (m *Manager) ValidateRecordFile(path string) error {
	var problems error
	fail := func() error {
		return &ValidationError{Path: path, Err: problems}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			problems = multierr.Append(problems, errors.New("file does not exist"))
		} else {
			problems = multierr.Append(problems, fmt.Errorf("unable to access file: %w", err))
		}
		return fail()
	}
	if !info.Mode().IsRegular() {
		problems = multierr.Append(problems, errors.New("not a regular file"))
		return fail()
	}

	if name := filepath.Base(path); !strings.HasSuffix(name, m.suffix) {
		problems = multierr.Append(problems, fmt.Errorf("invalid file name '%s', expected suffix '%s'", name, m.suffix))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		problems = multierr.Append(problems, fmt.Errorf("unable to read file: %w", err))
		return fail()
	}
	if !gjson.ValidBytes(data) {
		problems = multierr.Append(problems, errors.New("file is not valid JSON"))
		return fail()
	}

	for _, p := range profile.InspectRecord(gjson.ParseBytes(data)) {
		problems = multierr.Append(problems, p)
	}

	if problems != nil {
		return fail()
	}
	return nil
}
