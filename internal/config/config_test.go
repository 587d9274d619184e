package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearEnv unsets every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PERSONA_PROFILES_DIR", "PERSONA_LOG_LEVEL", "PERSONA_LOG_FILE", "PERSONA_DETECTOR",
		"PERSONA_MODELS_DIR", "PERSONA_WORKER_SCRIPT", "PERSONA_TOLERANCE", "PERSONA_WORKERS",
		"DATABASE_URL", "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_PORT",
	} {
		t.Setenv(key, "")
	}
	// Run from an empty directory so no .env is picked up.
	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Profiles.Dir != "profiles" || cfg.Profiles.Tolerance != 0.6 || cfg.Profiles.MatchTolerance != 0.6 {
		t.Errorf("Unexpected profile defaults: %+v", cfg.Profiles)
	}
	if cfg.Log.Level != "info" || cfg.Detector.Backend != "python" || cfg.Detector.Workers != 1 {
		t.Errorf("Unexpected defaults: %+v %+v", cfg.Log, cfg.Detector)
	}
	if cfg.DB.URL != "" {
		t.Errorf("Expected no database URL, got %q", cfg.DB.URL)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := `
profiles:
  dir: /srv/profiles
  tolerance: 0.45
log:
  level: DEBUG
detector:
  backend: dlib
  workers: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PERSONA_PROFILES_DIR", "/env/profiles")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "persona")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Profiles.Dir != "/env/profiles" {
		t.Errorf("Environment should override the file, got %s", cfg.Profiles.Dir)
	}
	if cfg.Profiles.Tolerance != 0.45 {
		t.Errorf("Expected tolerance from file, got %v", cfg.Profiles.Tolerance)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected lowercased level, got %s", cfg.Log.Level)
	}
	if cfg.Detector.Backend != "dlib" || cfg.Detector.Workers != 4 {
		t.Errorf("Unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.DB.URL != "postgres://u:p@db:5432/persona" {
		t.Errorf("Unexpected DSN %q", cfg.DB.URL)
	}
}

func TestLoad_DatabaseURLWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://direct/db")
	t.Setenv("POSTGRES_HOST", "ignored")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DB.URL != "postgres://direct/db" {
		t.Errorf("Expected DATABASE_URL, got %q", cfg.DB.URL)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "Broken YAML", file: "profiles: [unclosed"},
		{name: "Bad tolerance", env: map[string]string{"PERSONA_TOLERANCE": "abc"}},
		{name: "Bad workers", env: map[string]string{"PERSONA_WORKERS": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "persona.yaml")
			if tt.file != "" {
				if err := os.WriteFile(path, []byte(tt.file), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := Load(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
