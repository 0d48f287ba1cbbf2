package common

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mdutra/ocrpipe/constants"
)

// configSchema is validated against the raw JSON config before decoding.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["roots"],
  "properties": {
    "roots": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "max_files": {"type": "integer", "minimum": 1},
    "max_pages": {"type": "integer", "minimum": 1},
    "languages": {"type": "array", "items": {"type": "string", "minLength": 2}},
    "dpi": {"type": "integer", "minimum": 72, "maximum": 1200},
    "scan_interval": {"type": "string"},
    "stability_window": {"type": "string"},
    "journal_path": {"type": "string"},
    "log_file": {"type": "string"},
    "log_level": {"type": "string", "enum": ["DEBUG", "INFO", "WARN", "ERROR"]},
    "tessdata_dir": {"type": "string"},
    "tsv_confidence": {"type": "boolean"},
    "tools": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  },
  "additionalProperties": false
}`

// ToolsConfig names the external programs the pipeline shells out to.
// Empty fields resolve to the bare command name on PATH.
type ToolsConfig struct {
	Pdfinfo     string `json:"pdfinfo,omitempty"`
	Pdfsig      string `json:"pdfsig,omitempty"`
	Pdfimages   string `json:"pdfimages,omitempty"`
	Pdftotext   string `json:"pdftotext,omitempty"`
	Pdfseparate string `json:"pdfseparate,omitempty"`
	Pdftoppm    string `json:"pdftoppm,omitempty"`
	Pdfunite    string `json:"pdfunite,omitempty"`
	Tesseract   string `json:"tesseract,omitempty"`
	Ghostscript string `json:"gs,omitempty"`
}

// Config is built once at startup and never mutated afterwards.
type Config struct {
	Roots []WatchRoot

	// MaxFiles bounds concurrent jobs per watch root.
	MaxFiles int
	// MaxPages bounds concurrent pages per job.
	MaxPages int

	Languages []string
	DPI       int

	ScanInterval    time.Duration
	StabilityWindow time.Duration

	JournalPath string
	LogFile     string
	LogLevel    slog.Level

	TessdataDir   string
	TSVConfidence bool

	Tools ToolsConfig
}

// WatchRoot is one configured base directory with its fixed subdirectories.
type WatchRoot struct {
	Base string
}

func (r WatchRoot) Input() string   { return filepath.Join(r.Base, constants.InputDir) }
func (r WatchRoot) Output() string  { return filepath.Join(r.Base, constants.OutputDir) }
func (r WatchRoot) Error() string   { return filepath.Join(r.Base, constants.ErrorDir) }
func (r WatchRoot) Archive() string { return filepath.Join(r.Base, constants.ArchiveDir) }

// Temp returns the instance-private temp area. It lives under the root so
// final promotion into Saida is a same-filesystem rename.
func (r WatchRoot) Temp(instanceID string) string {
	return filepath.Join(r.Base, constants.TempDir, instanceID)
}

// EnsureLayout creates the fixed subdirectories and the instance temp area.
func (r WatchRoot) EnsureLayout(instanceID string) error {
	for _, dir := range []string{r.Input(), r.Output(), r.Error(), r.Archive(), r.Temp(instanceID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// fileConfig mirrors the JSON config document.
type fileConfig struct {
	Roots           []string    `json:"roots"`
	MaxFiles        int         `json:"max_files"`
	MaxPages        int         `json:"max_pages"`
	Languages       []string    `json:"languages"`
	DPI             int         `json:"dpi"`
	ScanInterval    string      `json:"scan_interval"`
	StabilityWindow string      `json:"stability_window"`
	JournalPath     string      `json:"journal_path"`
	LogFile         string      `json:"log_file"`
	LogLevel        string      `json:"log_level"`
	TessdataDir     string      `json:"tessdata_dir"`
	TSVConfidence   bool        `json:"tsv_confidence"`
	Tools           ToolsConfig `json:"tools"`
}

// LoadConfig reads the JSON config at path, validates it against the embedded
// schema, layers environment overrides on top and fills defaults.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", "read config file", err)
		}
		if err := validateConfigJSON(data); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "config does not match schema", err)
		}
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "decode config file", err)
		}
	}

	// Env overrides win over the file.
	if v := os.Getenv("OCRPIPE_ROOTS"); v != "" {
		fc.Roots = splitList(v)
	}
	fc.MaxFiles = getEnvAsInt("OCRPIPE_MAX_FILES", fc.MaxFiles)
	fc.MaxPages = getEnvAsInt("OCRPIPE_MAX_PGS", fc.MaxPages)
	if v := os.Getenv("OCRPIPE_LANGUAGES"); v != "" {
		fc.Languages = splitList(v)
	}
	fc.DPI = getEnvAsInt("OCRPIPE_DPI", fc.DPI)
	fc.ScanInterval = getEnv("OCRPIPE_SCAN_INTERVAL", fc.ScanInterval)
	fc.StabilityWindow = getEnv("OCRPIPE_STABILITY_WINDOW", fc.StabilityWindow)
	fc.JournalPath = getEnv("OCRPIPE_JOURNAL", fc.JournalPath)
	fc.LogFile = getEnv("OCRPIPE_LOG_FILE", fc.LogFile)
	fc.LogLevel = getEnv("OCRPIPE_LOG_LEVEL", fc.LogLevel)
	fc.TessdataDir = getEnv("TESSDATA_PREFIX", fc.TessdataDir)

	if len(fc.Roots) == 0 {
		return nil, NewAppError("CONFIG_ERROR", "at least one watch root is required", ErrInvalidConfig)
	}

	cfg := &Config{
		MaxFiles:      fc.MaxFiles,
		MaxPages:      fc.MaxPages,
		Languages:     fc.Languages,
		DPI:           fc.DPI,
		JournalPath:   fc.JournalPath,
		LogFile:       fc.LogFile,
		LogLevel:      parseLogLevel(fc.LogLevel),
		TessdataDir:   fc.TessdataDir,
		TSVConfidence: fc.TSVConfidence,
		Tools:         fc.Tools,
	}
	for _, base := range fc.Roots {
		abs, err := filepath.Abs(base)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("resolve root %q", base), err)
		}
		cfg.Roots = append(cfg.Roots, WatchRoot{Base: abs})
	}

	var err error
	if cfg.ScanInterval, err = parseDuration(fc.ScanInterval, 10*time.Second); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "scan_interval", err)
	}
	if cfg.StabilityWindow, err = parseDuration(fc.StabilityWindow, 5*time.Second); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "stability_window", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// ErrInvalidConfig marks configuration errors with no underlying cause.
var ErrInvalidConfig = fmt.Errorf("invalid configuration")

func (c *Config) applyDefaults() {
	if c.MaxFiles <= 0 {
		c.MaxFiles = 2
	}
	if c.MaxPages <= 0 {
		c.MaxPages = runtime.NumCPU()
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"por"}
	}
	if c.DPI <= 0 {
		c.DPI = 300
	}
	if c.JournalPath == "" {
		c.JournalPath = "ocrpipe-journal.db"
	}
}

func validateConfigJSON(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		return err
	}
	sch, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
