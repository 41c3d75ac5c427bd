// Package config holds all runtime configuration for the analysis
// service, with defaults, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OracleConfig holds external analysis provider settings
type OracleConfig struct {
	Provider      string // openai, ollama or scripted
	Model         string // empty selects the provider default
	APIKey        string // OpenAI API key
	Endpoint      string // Ollama endpoint
	MaxTokens     int    // completion budget per analysis
	TimeoutSecs   int    // per-call deadline at the gateway
	RatePerMinute int    // outbound call budget, 0 disables limiting
}

// PrivacyConfig holds tokenizer and detector settings
type PrivacyConfig struct {
	ScrubMode             string   // strip or redact
	SensitiveCategories   []string // incident categories tokenized as labels
	DetectorName          string   // regex_detector, onnx_detector or none
	ONNXModelPath         string   // quantized NER model
	TokenizerPath         string   // tokenizer.json for the NER model
	LabelsPath            string   // id-to-label mapping for the NER model
	ConfidenceFloor       float64  // minimum detector confidence to act on
	ArchivePath           string   // SQLite mapping archive, empty disables
	ArchiveRetentionHours int      // hours before archived mappings are pruned
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to use database storage
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
}

// AuditConfig holds audit trail persistence settings
type AuditConfig struct {
	Sink     string // memory, file or postgres
	FilePath string // JSONL path for the file sink
}

// Config holds all configuration for the analysis service
type Config struct {
	ListenAddr               string  // HTTP listen address, ":PORT" form
	WindowDays               int     // analysis window length
	DegradedConfidenceFactor float64 // confidence scale on patterns-only reports
	PolicyPath               string  // optional JSON policy file
	SentryDSN                string  // error reporting, empty disables
	Oracle                   OracleConfig
	Privacy                  PrivacyConfig
	Database                 DatabaseConfig
	Audit                    AuditConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":8080",
		WindowDays:               90,
		DegradedConfidenceFactor: 0.75,
		Oracle: OracleConfig{
			Provider:    "openai",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   2048,
			TimeoutSecs: 30,
		},
		Privacy: PrivacyConfig{
			ScrubMode:             "strip",
			DetectorName:          "regex_detector",
			ONNXModelPath:         "model/quantized/model_quantized.onnx",
			TokenizerPath:         "model/quantized/tokenizer.json",
			LabelsPath:            "model/quantized/labels.json",
			ConfidenceFloor:       0.5,
			ArchiveRetentionHours: 24,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "sagi",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
		},
		Audit: AuditConfig{
			Sink: "memory",
		},
	}
}

// LoadFromEnv overrides configuration from environment variables
func (c *Config) LoadFromEnv() {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}

	if days := os.Getenv("WINDOW_DAYS"); days != "" {
		if d, err := strconv.Atoi(days); err == nil {
			c.WindowDays = d
		}
	}

	if factor := os.Getenv("DEGRADED_CONFIDENCE_FACTOR"); factor != "" {
		if f, err := strconv.ParseFloat(factor, 64); err == nil {
			c.DegradedConfidenceFactor = f
		}
	}

	if path := os.Getenv("POLICY_PATH"); path != "" {
		c.PolicyPath = path
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		c.SentryDSN = dsn
	}

	// Oracle configuration
	if provider := os.Getenv("ORACLE_PROVIDER"); provider != "" {
		c.Oracle.Provider = provider
	}

	if model := os.Getenv("ORACLE_MODEL"); model != "" {
		c.Oracle.Model = model
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}

	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Oracle.Endpoint = endpoint
	}

	if maxTokens := os.Getenv("ORACLE_MAX_TOKENS"); maxTokens != "" {
		if n, err := strconv.Atoi(maxTokens); err == nil {
			c.Oracle.MaxTokens = n
		}
	}

	if timeout := os.Getenv("ORACLE_TIMEOUT_SECS"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil {
			c.Oracle.TimeoutSecs = n
		}
	}

	if rate := os.Getenv("ORACLE_RATE_PER_MINUTE"); rate != "" {
		if n, err := strconv.Atoi(rate); err == nil {
			c.Oracle.RatePerMinute = n
		}
	}

	// Privacy configuration
	if mode := os.Getenv("SCRUB_MODE"); mode != "" {
		c.Privacy.ScrubMode = mode
	}

	if categories := os.Getenv("SENSITIVE_CATEGORIES"); categories != "" {
		var list []string
		for _, cat := range strings.Split(categories, ",") {
			if cat = strings.TrimSpace(cat); cat != "" {
				list = append(list, cat)
			}
		}
		c.Privacy.SensitiveCategories = list
	}

	if name := os.Getenv("DETECTOR_NAME"); name != "" {
		c.Privacy.DetectorName = name
	}

	if path := os.Getenv("ONNX_MODEL_PATH"); path != "" {
		c.Privacy.ONNXModelPath = path
	}

	if path := os.Getenv("TOKENIZER_PATH"); path != "" {
		c.Privacy.TokenizerPath = path
	}

	if path := os.Getenv("LABELS_PATH"); path != "" {
		c.Privacy.LabelsPath = path
	}

	if floor := os.Getenv("DETECTOR_CONFIDENCE_FLOOR"); floor != "" {
		if f, err := strconv.ParseFloat(floor, 64); err == nil {
			c.Privacy.ConfidenceFloor = f
		}
	}

	if path := os.Getenv("ARCHIVE_PATH"); path != "" {
		c.Privacy.ArchivePath = path
	}

	if hours := os.Getenv("ARCHIVE_RETENTION_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil {
			c.Privacy.ArchiveRetentionHours = h
		}
	}

	// Database configuration
	if enabled := os.Getenv("DB_ENABLED"); enabled != "" {
		c.Database.Enabled = enabled == "true"
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}

	if name := os.Getenv("DB_NAME"); name != "" {
		c.Database.Database = name
	}

	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		c.Database.SSLMode = sslMode
	}

	// Audit configuration
	if sink := os.Getenv("AUDIT_SINK"); sink != "" {
		c.Audit.Sink = sink
	}

	if path := os.Getenv("AUDIT_FILE_PATH"); path != "" {
		c.Audit.FilePath = path
	}
}

// validatePort checks that port is in ":PORT" form with a numeric port
// in the valid range.
func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

// ValidateConfig checks the configuration for consistency. All
// violations are reported at once, joined by "; ".
func (c *Config) ValidateConfig() error {
	var errs []string

	if err := validatePort(c.ListenAddr, "ListenAddr"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.WindowDays < 1 {
		errs = append(errs, fmt.Sprintf("WindowDays: must be at least 1 (current value: %d)", c.WindowDays))
	}
	if c.DegradedConfidenceFactor <= 0 || c.DegradedConfidenceFactor > 1 {
		errs = append(errs, fmt.Sprintf("DegradedConfidenceFactor: must be in (0, 1] (current value: %g)", c.DegradedConfidenceFactor))
	}

	switch c.Oracle.Provider {
	case "openai", "ollama", "scripted":
	default:
		errs = append(errs, fmt.Sprintf("Oracle.Provider: must be openai, ollama or scripted (current value: %s)", c.Oracle.Provider))
	}
	if c.Oracle.TimeoutSecs < 1 {
		errs = append(errs, fmt.Sprintf("Oracle.TimeoutSecs: must be at least 1 (current value: %d)", c.Oracle.TimeoutSecs))
	}
	if c.Oracle.RatePerMinute < 0 {
		errs = append(errs, fmt.Sprintf("Oracle.RatePerMinute: must not be negative (current value: %d)", c.Oracle.RatePerMinute))
	}

	switch c.Privacy.ScrubMode {
	case "strip", "redact":
	default:
		errs = append(errs, fmt.Sprintf("Privacy.ScrubMode: must be strip or redact (current value: %s)", c.Privacy.ScrubMode))
	}
	switch c.Privacy.DetectorName {
	case "regex_detector", "onnx_detector", "none":
	default:
		errs = append(errs, fmt.Sprintf("Privacy.DetectorName: must be regex_detector, onnx_detector or none (current value: %s)", c.Privacy.DetectorName))
	}
	if c.Privacy.ScrubMode == "redact" && c.Privacy.DetectorName == "none" {
		errs = append(errs, "Privacy.ScrubMode: redact requires a detector (current value: none)")
	}
	if c.Privacy.ConfidenceFloor < 0 || c.Privacy.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Sprintf("Privacy.ConfidenceFloor: must be in [0, 1] (current value: %g)", c.Privacy.ConfidenceFloor))
	}

	switch c.Audit.Sink {
	case "memory", "postgres":
	case "file":
		if c.Audit.FilePath == "" {
			errs = append(errs, "Audit.FilePath: path cannot be empty when the file sink is selected")
		}
	default:
		errs = append(errs, fmt.Sprintf("Audit.Sink: must be memory, file or postgres (current value: %s)", c.Audit.Sink))
	}
	if c.Audit.Sink == "postgres" && !c.Database.Enabled {
		errs = append(errs, "Audit.Sink: postgres sink requires the database to be enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
