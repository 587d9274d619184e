package registry

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrDuplicateIdentity        = errors.New("duplicate identity")
	ErrUnknownIdentity          = errors.New("unknown identity")
	ErrEmptyIdentity            = errors.New("identity must not be empty")
	ErrInvalidIdentity          = errors.New("identity cannot be used as a file name")
	ErrDirectoryNotFound        = errors.New("directory not found")
	ErrNotADirectory            = errors.New("not a directory")
	ErrInvalidDirectoryContents = errors.New("invalid directory contents")
	ErrInvalidRecord            = errors.New("invalid profile record file")
	ErrNoDirectory              = errors.New("no profiles directory set")
)

// ValidationError lists every problem found in one record file.
type ValidationError struct {
	Path string
	Err  error // multierr of the individual problems
}

// Problems returns the individual problems in the order they were found.
func (e *ValidationError) Problems() []error {
	return multierr.Errors(e.Err)
}

func (e *ValidationError) Error() string {
	problems := e.Problems()
	lines := make([]string, 0, len(problems))
	for _, p := range problems {
		lines = append(lines, "  - "+p.Error())
	}
	return fmt.Sprintf("%s: %d problem(s)\n%s", e.Path, len(problems), strings.Join(lines, "\n"))
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRecord }

// InvalidDirectoryContentsError aggregates the validation failure of every bad file in a
// profiles directory.
type InvalidDirectoryContentsError struct {
	Dir string
	Err error // multierr of *ValidationError
}

// Files returns the per-file validation errors.
func (e *InvalidDirectoryContentsError) Files() []*ValidationError {
	var out []*ValidationError
	for _, err := range multierr.Errors(e.Err) {
		var ve *ValidationError
		if errors.As(err, &ve) {
			out = append(out, ve)
		}
	}
	return out
}

func (e *InvalidDirectoryContentsError) Error() string {
	errs := multierr.Errors(e.Err)
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("invalid directory contents in '%s' (%d file(s) failed validation):\n%s",
		e.Dir, len(errs), strings.Join(parts, "\n"))
}

func (e *InvalidDirectoryContentsError) Unwrap() error { return e.Err }

func (e *InvalidDirectoryContentsError) Is(target error) bool {
	return target == ErrInvalidDirectoryContents
}
