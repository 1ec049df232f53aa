package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"vigil/version"
)

const maxWorkerCeiling = 8

type Config struct {
	WatchPaths      []string      `json:"watch_paths"`
	IncludePatterns []string      `json:"include_patterns"`
	ExcludePatterns []string      `json:"exclude_patterns"`
	InitialSweep    bool          `json:"initial_sweep"`
	DebounceWindow  time.Duration `json:"debounce_window"`

	MaxFileSize     int64  `json:"max_file_size"`
	HashAlgorithm   string `json:"hash_algorithm"`
	KnownBenignFile string `json:"known_benign_file"`

	CacheCapacity int           `json:"cache_capacity"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	CachePath     string        `json:"cache_path"`

	MinWorkers         int           `json:"min_workers"`
	MaxWorkers         int           `json:"max_workers"`
	QueueCapacity      int           `json:"queue_capacity"`
	ScaleUpWatermark   int           `json:"scale_up_watermark"`
	ScaleDownWatermark int           `json:"scale_down_watermark"`
	ScaleCooldown      time.Duration `json:"scale_cooldown"`
	ScaleCheckInterval time.Duration `json:"scale_check_interval"`
	BoostThreshold     time.Duration `json:"boost_threshold"`
	MaxRetries         int           `json:"max_retries"`
	MaxScansPerSecond  int           `json:"max_scans_per_second"`

	SampleInterval time.Duration `json:"sample_interval"`
	ThrottleCPU    float64       `json:"throttle_cpu"`
	ThrottleMemory float64       `json:"throttle_memory"`
	PauseCPU       float64       `json:"pause_cpu"`
	PauseMemory    float64       `json:"pause_memory"`
	ThrottleDelay  time.Duration `json:"throttle_delay"`

	SignatureCommand  string        `json:"signature_command"`
	RuleCommand       string        `json:"rule_command"`
	ClassifierCommand string        `json:"classifier_command"`
	EngineTimeout     time.Duration `json:"engine_timeout"`
	CorroborateHits   bool          `json:"corroborate_signature_hits"`
	ActionThreshold   string        `json:"action_threshold"`
	QuarantineEnabled bool          `json:"quarantine_enabled"`

	QuarantineDir  string   `json:"quarantine_dir"`
	ForbiddenPaths []string `json:"forbidden_paths"`

	MetricsExportInterval time.Duration     `json:"metrics_export_interval"`
	MetricsExportPath     string            `json:"metrics_export_path"`
	StallThreshold        time.Duration     `json:"stall_threshold"`
	DiagDir               string            `json:"diag_dir"`
	OtelEndpoint          string            `json:"otel_endpoint"`
	OtelFromEnv           bool              `json:"otel_from_env"`
	OtelHeaders           map[string]string `json:"otel_headers"`
	OtelServiceName       string            `json:"otel_service_name"`
	OtelTimeout           time.Duration     `json:"otel_timeout"`
	OtelExportPaths       bool              `json:"otel_export_paths"`

	LogLevel   string `json:"log_level"`
	ConfigFile string `json:"config_file"`

	MaxWorkersSet bool `json:"-"`
}

func defaultMaxWorkers() int {
	workers := runtime.NumCPU()
	if workers > maxWorkerCeiling {
		workers = maxWorkerCeiling
	}
	if workers < 2 {
		workers = 2
	}
	return workers
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		WatchPaths:            []string{},
		IncludePatterns:       []string{},
		ExcludePatterns:       []string{},
		InitialSweep:          false,
		DebounceWindow:        time.Second,
		MaxFileSize:           100 * 1024 * 1024,
		HashAlgorithm:         "sha256",
		CacheCapacity:         10000,
		CacheTTL:              24 * time.Hour,
		MinWorkers:            2,
		MaxWorkers:            defaultMaxWorkers(),
		QueueCapacity:         500,
		ScaleUpWatermark:      50,
		ScaleDownWatermark:    10,
		ScaleCooldown:         30 * time.Second,
		ScaleCheckInterval:    5 * time.Second,
		BoostThreshold:        60 * time.Second,
		MaxRetries:            3,
		MaxScansPerSecond:     0,
		SampleInterval:        time.Second,
		ThrottleCPU:           80,
		ThrottleMemory:        85,
		PauseCPU:              90,
		PauseMemory:           95,
		ThrottleDelay:         500 * time.Millisecond,
		EngineTimeout:         60 * time.Second,
		CorroborateHits:       false,
		ActionThreshold:       "high",
		QuarantineEnabled:     true,
		QuarantineDir:         defaultQuarantineDir(),
		ForbiddenPaths:        []string{},
		MetricsExportInterval: 5 * time.Minute,
		MetricsExportPath:     "",
		StallThreshold:        0,
		DiagDir:               ".",
		OtelEndpoint:          "",
		OtelFromEnv:           false,
		OtelHeaders:           map[string]string{},
		OtelServiceName:       "vigil",
		OtelTimeout:           5 * time.Second,
		OtelExportPaths:       false,
		LogLevel:              "info",
	}

	watchPaths := flag.String("path", "", "Comma-separated list of paths to watch (default: none).")
	includes := flag.String("include", "", "Comma-separated list of include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	initialSweep := flag.Bool("initial-sweep", cfg.InitialSweep, fmt.Sprintf("Sweep watched paths once at startup (default: %t).", cfg.InitialSweep))
	debounce := flag.Duration("debounce", cfg.DebounceWindow, "Debounce window for repeated events on the same path (default: 1s).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, fmt.Sprintf("Maximum file size to scan in bytes (default: %d).", cfg.MaxFileSize))
	hashAlgorithm := flag.String("hash-algorithm", cfg.HashAlgorithm, "Content hash algorithm: sha256 or blake3 (default: sha256).")
	knownBenign := flag.String("known-benign-file", "", "Path to a newline-separated list of known-benign content hashes (default: none).")
	cacheCapacity := flag.Int("cache-capacity", cfg.CacheCapacity, fmt.Sprintf("Maximum number of cached verdicts (default: %d).", cfg.CacheCapacity))
	cacheTTL := flag.Duration("cache-ttl", cfg.CacheTTL, "Cached verdict time-to-live (default: 24h).")
	cachePath := flag.String("cache-path", "", "Path for verdict cache persistence (default: none, in-memory only).")
	minWorkers := flag.Int("min-workers", cfg.MinWorkers, fmt.Sprintf("Minimum scan workers (default: %d).", cfg.MinWorkers))
	maxWorkers := flag.Int("max-workers", cfg.MaxWorkers, fmt.Sprintf("Maximum scan workers (default: %d, capped at %d).", cfg.MaxWorkers, maxWorkerCeiling))
	queueCapacity := flag.Int("queue-capacity", cfg.QueueCapacity, fmt.Sprintf("Bounded scan queue capacity (default: %d).", cfg.QueueCapacity))
	scaleUp := flag.Int("scale-up-watermark", cfg.ScaleUpWatermark, fmt.Sprintf("Queue depth that adds a worker (default: %d).", cfg.ScaleUpWatermark))
	scaleDown := flag.Int("scale-down-watermark", cfg.ScaleDownWatermark, fmt.Sprintf("Queue depth that removes a worker (default: %d).", cfg.ScaleDownWatermark))
	scaleCooldown := flag.Duration("scale-cooldown", cfg.ScaleCooldown, "Minimum delay between scaling actions (default: 30s).")
	boostThreshold := flag.Duration("boost-threshold", cfg.BoostThreshold, "Wait time after which a task is boosted one priority tier (default: 60s).")
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, fmt.Sprintf("Retries for transient engine failures (default: %d).", cfg.MaxRetries))
	maxScansPerSecond := flag.Int("max-scans-per-second", cfg.MaxScansPerSecond, "Scan dispatch rate limit, 0 disables (default: 0).")
	throttleCPU := flag.Float64("throttle-cpu", cfg.ThrottleCPU, "CPU percent above which scanning throttles (default: 80).")
	throttleMemory := flag.Float64("throttle-memory", cfg.ThrottleMemory, "Memory percent above which scanning throttles (default: 85).")
	pauseCPU := flag.Float64("pause-cpu", cfg.PauseCPU, "CPU percent above which dispatch pauses (default: 90).")
	pauseMemory := flag.Float64("pause-memory", cfg.PauseMemory, "Memory percent above which dispatch pauses (default: 95).")
	signatureCommand := flag.String("signature-command", "", "Signature scanner command, {} replaced by the path (default: none).")
	ruleCommand := flag.String("rule-command", "", "Rule engine command, {} replaced by the path (default: none).")
	classifierCommand := flag.String("classifier-command", "", "Statistical classifier command, {} replaced by the path (default: none).")
	engineTimeout := flag.Duration("engine-timeout", cfg.EngineTimeout, "Per-engine invocation timeout (default: 60s).")
	corroborate := flag.Bool("corroborate-signature-hits", cfg.CorroborateHits, "Run the rule engine even after a signature hit (default: false).")
	actionThreshold := flag.String("action-threshold", cfg.ActionThreshold, "Minimum severity that triggers quarantine: low, medium, high, or critical (default: high).")
	quarantineEnabled := flag.Bool("quarantine", cfg.QuarantineEnabled, fmt.Sprintf("Quarantine confirmed threats (default: %t).", cfg.QuarantineEnabled))
	quarantineDir := flag.String("quarantine-dir", cfg.QuarantineDir, "Quarantine storage directory.")
	metricsInterval := flag.Duration("metrics-export-interval", cfg.MetricsExportInterval, "Periodic metrics export interval (default: 5m).")
	metricsPath := flag.String("metrics-export-path", "", "File for periodic metrics export (default: none).")
	stallThreshold := flag.Duration("stall-threshold", cfg.StallThreshold, "If positive, emit diagnostics when scanning stalls for this duration (default: 0/off).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for metrics export (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Resolve the OTEL endpoint from OTEL_EXPORTER_OTLP_* variables (default: false).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include file paths in OTEL exports (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: vigil).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("vigil version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.WatchPaths = parseCommaSeparated(*watchPaths)
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "initial-sweep":
			cfg.InitialSweep = *initialSweep
		case "debounce":
			cfg.DebounceWindow = *debounce
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "hash-algorithm":
			cfg.HashAlgorithm = strings.ToLower(strings.TrimSpace(*hashAlgorithm))
		case "known-benign-file":
			cfg.KnownBenignFile = *knownBenign
		case "cache-capacity":
			cfg.CacheCapacity = *cacheCapacity
		case "cache-ttl":
			cfg.CacheTTL = *cacheTTL
		case "cache-path":
			cfg.CachePath = *cachePath
		case "min-workers":
			cfg.MinWorkers = *minWorkers
		case "max-workers":
			cfg.MaxWorkers = *maxWorkers
			cfg.MaxWorkersSet = true
		case "queue-capacity":
			cfg.QueueCapacity = *queueCapacity
		case "scale-up-watermark":
			cfg.ScaleUpWatermark = *scaleUp
		case "scale-down-watermark":
			cfg.ScaleDownWatermark = *scaleDown
		case "scale-cooldown":
			cfg.ScaleCooldown = *scaleCooldown
		case "boost-threshold":
			cfg.BoostThreshold = *boostThreshold
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "max-scans-per-second":
			cfg.MaxScansPerSecond = *maxScansPerSecond
		case "throttle-cpu":
			cfg.ThrottleCPU = *throttleCPU
		case "throttle-memory":
			cfg.ThrottleMemory = *throttleMemory
		case "pause-cpu":
			cfg.PauseCPU = *pauseCPU
		case "pause-memory":
			cfg.PauseMemory = *pauseMemory
		case "signature-command":
			cfg.SignatureCommand = *signatureCommand
		case "rule-command":
			cfg.RuleCommand = *ruleCommand
		case "classifier-command":
			cfg.ClassifierCommand = *classifierCommand
		case "engine-timeout":
			cfg.EngineTimeout = *engineTimeout
		case "corroborate-signature-hits":
			cfg.CorroborateHits = *corroborate
		case "action-threshold":
			cfg.ActionThreshold = strings.ToLower(strings.TrimSpace(*actionThreshold))
		case "quarantine":
			cfg.QuarantineEnabled = *quarantineEnabled
		case "quarantine-dir":
			cfg.QuarantineDir = *quarantineDir
		case "metrics-export-interval":
			cfg.MetricsExportInterval = *metricsInterval
		case "metrics-export-path":
			cfg.MetricsExportPath = *metricsPath
		case "stall-threshold":
			cfg.StallThreshold = *stallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	cfg.ActionThreshold = strings.ToLower(strings.TrimSpace(cfg.ActionThreshold))
	if cfg.ActionThreshold == "" {
		cfg.ActionThreshold = "high"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("Vigil - Real-Time Threat Scanning Engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  vigil [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  vigil --path \"/home\"")
	fmt.Println("  vigil --path \"/home,/srv\" --initial-sweep")
	fmt.Println("  vigil --path \"/home\" --signature-command \"clamdscan --no-summary {}\"")
}

func defaultQuarantineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vigil-quarantine"
	}
	return home + "/.local/share/vigil/quarantine"
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	if _, ok := raw["max_workers"]; ok {
		cfg.MaxWorkersSet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// Validate fails fast on invalid thresholds so nothing starts half-configured.
func (cfg *Config) Validate() error {
	if len(cfg.WatchPaths) == 0 {
		return fmt.Errorf("at least one watch path must be specified")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if cfg.DebounceWindow < 0 {
		return fmt.Errorf("debounce must be zero or positive")
	}
	switch cfg.HashAlgorithm {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("invalid hash-algorithm: %q (supported: sha256, blake3)", cfg.HashAlgorithm)
	}
	if cfg.CacheCapacity <= 0 {
		return fmt.Errorf("cache-capacity must be positive")
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache-ttl must be positive")
	}
	if cfg.MinWorkers < 1 {
		return fmt.Errorf("min-workers must be at least 1")
	}
	if cfg.MaxWorkers > maxWorkerCeiling && !cfg.MaxWorkersSet {
		cfg.MaxWorkers = maxWorkerCeiling
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return fmt.Errorf("max-workers (%d) must not be below min-workers (%d)", cfg.MaxWorkers, cfg.MinWorkers)
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("queue-capacity must be positive")
	}
	if cfg.ScaleDownWatermark < 0 || cfg.ScaleUpWatermark <= cfg.ScaleDownWatermark {
		return fmt.Errorf("scale watermarks must satisfy 0 <= down < up")
	}
	if cfg.ScaleCooldown < 0 {
		return fmt.Errorf("scale-cooldown must be zero or positive")
	}
	if cfg.ScaleCheckInterval <= 0 {
		return fmt.Errorf("scale-check-interval must be positive")
	}
	if cfg.BoostThreshold <= 0 {
		return fmt.Errorf("boost-threshold must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be zero or positive")
	}
	if cfg.MaxScansPerSecond < 0 {
		return fmt.Errorf("max-scans-per-second must be zero or positive")
	}
	if cfg.SampleInterval <= 0 {
		return fmt.Errorf("sample-interval must be positive")
	}
	if cfg.ThrottleCPU <= 0 || cfg.ThrottleCPU > 100 ||
		cfg.ThrottleMemory <= 0 || cfg.ThrottleMemory > 100 {
		return fmt.Errorf("throttle thresholds must be between 1 and 100")
	}
	if cfg.PauseCPU <= cfg.ThrottleCPU || cfg.PauseCPU > 100 {
		return fmt.Errorf("pause-cpu must be between throttle-cpu and 100")
	}
	if cfg.PauseMemory <= cfg.ThrottleMemory || cfg.PauseMemory > 100 {
		return fmt.Errorf("pause-memory must be between throttle-memory and 100")
	}
	if cfg.ThrottleDelay < 0 {
		return fmt.Errorf("throttle-delay must be zero or positive")
	}
	if cfg.EngineTimeout <= 0 {
		return fmt.Errorf("engine-timeout must be positive")
	}
	switch cfg.ActionThreshold {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("invalid action-threshold: %s", cfg.ActionThreshold)
	}
	if cfg.QuarantineEnabled && strings.TrimSpace(cfg.QuarantineDir) == "" {
		return fmt.Errorf("quarantine-dir must be specified when quarantine is enabled")
	}
	if cfg.MetricsExportInterval <= 0 {
		return fmt.Errorf("metrics-export-interval must be positive")
	}
	if cfg.StallThreshold < 0 {
		return fmt.Errorf("stall-threshold must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}
