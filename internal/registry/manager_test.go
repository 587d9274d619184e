package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/vector"
)

const goodRecord = `{"id": "alice", "acceptance_tolerance": 0.5, "encodings": [[0.1, 0.2], [0.3, 0.4]]}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew_IsolatedInstances(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}

	a.Add(profile.New("alice", nil, 0))
	if b.Exists("alice") {
		t.Error("Managers share their registry")
	}
}

func TestNew_DuplicateInitialProfiles(t *testing.T) {
	_, err := New(profile.New("alice", nil, 0), profile.New("alice", nil, 0))
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("Expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestAdd_Duplicate(t *testing.T) {
	original := profile.New("alice", []vector.Encoding{{1, 2}}, 0.3)
	m, _ := New(original)

	ok, err := m.Add(profile.New("alice", nil, 0.9))
	if ok || !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("Expected (false, ErrDuplicateIdentity), got (%v, %v)", ok, err)
	}

	got, err := m.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != original || got.AcceptanceTolerance != 0.3 || len(got.Encodings) != 1 {
		t.Error("Existing entry was modified by the rejected add")
	}
}

func TestAdd_EmptyID(t *testing.T) {
	m, _ := New()
	if _, err := m.Add(profile.New("", nil, 0)); !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("Expected ErrEmptyIdentity, got %v", err)
	}
}

func TestGetExistsDelete(t *testing.T) {
	m, _ := New(profile.New("alice", nil, 0))

	if !m.Exists("alice") || m.Exists("bob") {
		t.Error("Exists reports the wrong membership")
	}
	if _, err := m.Get("bob"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
	if m.Delete("bob") {
		t.Error("Delete of a missing id should report false")
	}
	if !m.Delete("alice") {
		t.Error("Delete of a present id should report true")
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Len())
	}
}

func TestIdentify(t *testing.T) {
	m, _ := New(
		profile.New("alice", []vector.Encoding{{0, 0}}, 0),
		profile.New("bob", []vector.Encoding{{1, 0}}, 0),
		profile.New("empty", nil, 0),
	)

	id, avg, ok := m.Identify(vector.Encoding{0.9, 0}, 0.6)
	if !ok || id != "bob" {
		t.Fatalf("Expected bob, got %q (ok=%v)", id, ok)
	}
	if avg > 0.11 {
		t.Errorf("Unexpected average %v", avg)
	}

	if _, _, ok := m.Identify(vector.Encoding{5, 5}, 2.0); ok {
		t.Error("Expected no match; profiles without encodings must not match either")
	}
}

func TestSaveAndLoadDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "profiles")

	src, _ := New(
		profile.New("alice", []vector.Encoding{{0.1, 0.2}}, 0.4),
		profile.New("bob", []vector.Encoding{{0.5, 0.6}, {0.7, 0.8}}, 0.6),
	)

	written, err := src.SaveDirectory(dir, true)
	if err != nil {
		t.Fatalf("SaveDirectory failed: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(written))
	}
	if filepath.Base(written[0]) != "alice"+RecordSuffix {
		t.Errorf("Unexpected file name %s", written[0])
	}
	if src.Directory() != dir {
		t.Errorf("Expected default directory %s, got %s", dir, src.Directory())
	}

	// Unrelated files are ignored by the scan.
	writeFile(t, dir, "notes.json", `{"hello": "world"}`)
	writeFile(t, dir, "README.txt", "nothing to see")

	dst, _ := New()
	if err := dst.LoadDirectory(dir); err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}
	if got := dst.IDs(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("Unexpected ids %v", got)
	}
	bob, _ := dst.Get("bob")
	if len(bob.Encodings) != 2 || bob.Encodings[1][1] != 0.8 || bob.AcceptanceTolerance != 0.6 {
		t.Errorf("Profile not reconstructed: %+v", bob)
	}
}

func TestSaveDirectory_KeepDefault(t *testing.T) {
	m, _ := New(profile.New("alice", nil, 0))
	if _, err := m.SaveDirectory(t.TempDir(), false); err != nil {
		t.Fatal(err)
	}
	if m.Directory() != "" {
		t.Errorf("Directory should not be remembered, got %s", m.Directory())
	}
	if _, err := m.Save(); !errors.Is(err, ErrNoDirectory) {
		t.Errorf("Expected ErrNoDirectory, got %v", err)
	}
}

func TestAdd_RejectsPathIDs(t *testing.T) {
	if _, err := New(profile.New("../escape", nil, 0)); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity from New, got %v", err)
	}

	m, _ := New()
	for _, id := range []string{"../escape", "a/b", `a\b`, ".", ".."} {
		if _, err := m.Add(profile.New(id, nil, 0)); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Add(%q): expected ErrInvalidIdentity, got %v", id, err)
		}
	}
	if m.Len() != 0 {
		t.Errorf("Invalid ids were registered: %v", m.IDs())
	}
	if err := CheckID("candidate-1"); err != nil {
		t.Errorf("CheckID(candidate-1) = %v", err)
	}
}

func TestLoadDirectory_RejectsPathIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "alice"+RecordSuffix, goodRecord)
	writeFile(t, dir, "evil"+RecordSuffix, `{"id": "../evil", "acceptance_tolerance": 0.5, "encodings": []}`)

	m, _ := New()
	if err := m.LoadDirectory(dir); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("Expected ErrInvalidIdentity, got %v", err)
	}
	if m.Len() != 0 {
		t.Error("Registry must stay empty when an id is rejected")
	}
}

func TestLoadDirectory_InvalidContents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "alice"+RecordSuffix, goodRecord)
	bad := writeFile(t, dir, "nobody"+RecordSuffix, `{"acceptance_tolerance": 0.5, "encodings": []}`)

	m, _ := New()
	err := m.LoadDirectory(dir)

	if !errors.Is(err, ErrInvalidDirectoryContents) {
		t.Fatalf("Expected ErrInvalidDirectoryContents, got %v", err)
	}
	var ide *InvalidDirectoryContentsError
	if !errors.As(err, &ide) {
		t.Fatalf("Expected *InvalidDirectoryContentsError, got %T", err)
	}
	files := ide.Files()
	if len(files) != 1 || files[0].Path != bad {
		t.Fatalf("Expected only %s to be reported, got %v", bad, files)
	}
	if !strings.Contains(err.Error(), bad) {
		t.Errorf("Error should name the bad file: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Registry must stay empty, got %v", m.IDs())
	}
}

func TestLoadDirectory_ReportsEveryBadFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a"+RecordSuffix, `{"id": 5, "acceptance_tolerance": "x", "encodings": []}`)
	writeFile(t, dir, "b"+RecordSuffix, `not json`)
	writeFile(t, dir, "c"+RecordSuffix, goodRecord)

	m, _ := New()
	err := m.LoadDirectory(dir)

	var ide *InvalidDirectoryContentsError
	if !errors.As(err, &ide) {
		t.Fatalf("Expected *InvalidDirectoryContentsError, got %v", err)
	}
	files := ide.Files()
	if len(files) != 2 {
		t.Fatalf("Expected 2 bad files, got %d", len(files))
	}
	if n := len(files[0].Problems()); n != 2 {
		t.Errorf("Expected both problems of a.profile.json, got %d: %v", n, files[0].Problems())
	}
}

func TestLoadDirectory_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "alice"+RecordSuffix, goodRecord)
	writeFile(t, dir, "alice-copy"+RecordSuffix, goodRecord)

	m, _ := New()
	if err := m.LoadDirectory(dir); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("Expected ErrDuplicateIdentity, got %v", err)
	}
	if m.Len() != 0 {
		t.Error("Registry must stay empty when ids collide")
	}
}

func TestLoadDirectory_Errors(t *testing.T) {
	m, _ := New()

	if err := m.LoadDirectory(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrDirectoryNotFound) {
		t.Errorf("Expected ErrDirectoryNotFound, got %v", err)
	}

	file := writeFile(t, t.TempDir(), "alice"+RecordSuffix, goodRecord)
	if err := m.LoadDirectory(file); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Expected ErrNotADirectory, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "alice"+RecordSuffix, goodRecord)

	m, _ := New()
	if err := m.LoadFile(path, true); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := m.LoadFile(path, true); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("Expected ErrDuplicateIdentity on reload, got %v", err)
	}

	bad := writeFile(t, dir, "bad"+RecordSuffix, `{"id": "bad"}`)
	if err := m.LoadFile(bad, false); !errors.Is(err, profile.ErrMalformedRecord) {
		t.Errorf("Expected ErrMalformedRecord without validation, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(profile.New("alice", nil, 0), profile.New("bob", nil, 0))
	if _, err := m.SaveDirectory(dir, true); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove("alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice"+RecordSuffix)); !os.IsNotExist(err) {
		t.Error("Record file should be deleted")
	}
	if err := m.Remove("alice"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
}

func TestRemove_StaysInDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "profiles")
	outside := writeFile(t, root, "x"+RecordSuffix, goodRecord)

	m, _ := New(profile.New("bob", nil, 0))
	if _, err := m.SaveDirectory(dir, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("../x"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("File outside the directory was touched: %v", err)
	}
}
