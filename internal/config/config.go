package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing file is not an error.
const DefaultPath = "persona.yaml"

// Config holds the application configuration.
// Tags correspond to the keys in the YAML file.
type Config struct {
	Profiles ProfilesConfig `yaml:"profiles"`
	Log      LogConfig      `yaml:"log"`
	DB       DBConfig       `yaml:"db"`
	Detector DetectorConfig `yaml:"detector"`
}

// ProfilesConfig locates the profile records and sets matching defaults.
type ProfilesConfig struct {
	Dir            string  `yaml:"dir"`
	Tolerance      float64 `yaml:"tolerance"`       // acceptance tolerance given to new profiles
	MatchTolerance float64 `yaml:"match_tolerance"` // tolerance used when locating a profile in a frame
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DBConfig holds the optional PostgreSQL mirror settings.
type DBConfig struct {
	URL string `yaml:"url"`
}

// DetectorConfig selects the face detection backend.
type DetectorConfig struct {
	Backend   string `yaml:"backend"`    // "dlib" or "python"
	ModelsDir string `yaml:"models_dir"` // dlib model files
	Script    string `yaml:"script"`     // python worker script
	Workers   int    `yaml:"workers"`
}

const (
	defaultProfilesDir    = "profiles"
	defaultTolerance      = 0.6
	defaultMatchTolerance = 0.6
	defaultLogLevel       = "info"
	defaultBackend        = "python"
	defaultModelsDir      = "models"
	defaultScript         = "python/worker.py"
	defaultWorkers        = 1
)

// Load builds the configuration from, in increasing precedence: defaults, the YAML file at
// path, a .env file in the working directory, and the process environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
		}
		log.WithField("path", path).Debug("config: file loaded")
	case errors.Is(err, fs.ErrNotExist):
		log.WithField("path", path).Debug("config: no file, using defaults and environment")
	default:
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	// .env is optional; existing environment variables win over it.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&cfg.Profiles.Dir, "PERSONA_PROFILES_DIR")
	setString(&cfg.Log.Level, "PERSONA_LOG_LEVEL")
	setString(&cfg.Log.File, "PERSONA_LOG_FILE")
	setString(&cfg.Detector.Backend, "PERSONA_DETECTOR")
	setString(&cfg.Detector.ModelsDir, "PERSONA_MODELS_DIR")
	setString(&cfg.Detector.Script, "PERSONA_WORKER_SCRIPT")

	if v := os.Getenv("PERSONA_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid PERSONA_TOLERANCE '%s': %w", v, err)
		}
		cfg.Profiles.Tolerance = f
	}
	if v := os.Getenv("PERSONA_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PERSONA_WORKERS '%s': %w", v, err)
		}
		cfg.Detector.Workers = n
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DB.URL = url
	} else if url := dsnFromEnv(); url != "" {
		cfg.DB.URL = url
	}
	return nil
}

// dsnFromEnv builds a connection string from the POSTGRES_* variables, or "" when
// POSTGRES_HOST is unset.
func dsnFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// applyDefaults fills only the fields that are still zero-valued.
func applyDefaults(cfg *Config) {
	if cfg.Profiles.Dir == "" {
		cfg.Profiles.Dir = defaultProfilesDir
	}
	if cfg.Profiles.Tolerance == 0 {
		cfg.Profiles.Tolerance = defaultTolerance
	}
	if cfg.Profiles.MatchTolerance == 0 {
		cfg.Profiles.MatchTolerance = defaultMatchTolerance
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Detector.Backend == "" {
		cfg.Detector.Backend = defaultBackend
	}
	if cfg.Detector.ModelsDir == "" {
		cfg.Detector.ModelsDir = defaultModelsDir
	}
	if cfg.Detector.Script == "" {
		cfg.Detector.Script = defaultScript
	}
	if cfg.Detector.Workers < 1 {
		cfg.Detector.Workers = defaultWorkers
	}
}
