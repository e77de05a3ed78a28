// Package settings holds the daemon configuration: typed, validated
// once at startup, immutable afterwards.
//
// Every option has a CODERUNNER_* environment variable. An optional
// YAML file (CODERUNNER_CONFIG_FILE) seeds values first; environment
// variables override the file.
package settings

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"coderunner"
	"coderunner/pkg/ipam"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenHost = "127.0.0.1"
	defaultListenPort = 8080

	defaultDockerMemory    = "256m"
	defaultDockerMemorySQL = "512m"
	defaultDockerCPUs      = 0.5

	// defaultCommandTimeout is 10s: bounds any single helper exec
	// (mkdir, kill, pid lookup) so a wedged container can't hang a task.
	defaultCommandTimeout = 10 * time.Second
	// defaultExecutionTimeout is 5s; interactive clients get 30s.
	defaultExecutionTimeout   = 5 * time.Second
	defaultInteractiveTimeout = 30 * time.Second
	// defaultSessionTTL is 60s: long enough for edit-run loops to reuse
	// a warm container, short enough to bound idle capacity.
	defaultSessionTTL      = 60 * time.Second
	defaultCleanupInterval = 10 * time.Second

	defaultMaxPerSession         = 5
	defaultMaxConcurrentSessions = 50
	defaultMaxQueueSize          = 200
	defaultQueueTimeout          = 60 * time.Second

	defaultSubnetPools   = "default=10.166.0.0/16"
	defaultNetworkPrefix = "coderunner"

	defaultFilesMaxBytes = "1m"
	defaultFilesMaxCount = 64

	// sessionIDMaxLen keeps "<prefix>-<sessionId>" within Docker's
	// 63-char network name limit for any allowed prefix.
	sessionIDMaxLen = 36
	networkNameMax  = 63
)

// Pool is one ordered subnet pool /24 leases are carved from.
type Pool struct {
	Name string
	CIDR netip.Prefix
}

// Settings is the validated daemon configuration.
type Settings struct {
	ListenHost string
	ListenPort int
	SocketPath string

	DockerMemory    int64 // bytes
	DockerMemorySQL int64 // bytes, applied to the "sql" runtime
	DockerCPUs      float64

	DockerCommandTimeout time.Duration
	ExecutionTimeout     time.Duration
	InteractiveTimeout   time.Duration
	SessionTTL           time.Duration
	CleanupInterval      time.Duration

	MaxPerSession         int
	MaxConcurrentSessions int
	MaxQueueSize          int
	QueueTimeout          time.Duration

	SubnetPools   []Pool
	NetworkPrefix string

	FilesMaxBytes int64
	FilesMaxCount int

	LogLevel string
	Tracing  bool

	Runtimes map[string]Runtime
}

// Load builds Settings from the optional config file plus environment,
// then normalizes and validates. Validation failures carry
// coderunner.CodeConfigInvalid.
func Load() (Settings, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CODERUNNER_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if path := strings.TrimSpace(os.Getenv("CODERUNNER_RUNTIMES_FILE")); path != "" {
		rts, err := LoadRuntimesFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.Runtimes = rts
	}

	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration. Tests start from here.
func Defaults() Settings {
	memory, _ := units.RAMInBytes(defaultDockerMemory)
	memorySQL, _ := units.RAMInBytes(defaultDockerMemorySQL)
	filesMax, _ := units.RAMInBytes(defaultFilesMaxBytes)
	pools, _ := ParsePools(defaultSubnetPools)

	return Settings{
		ListenHost:            defaultListenHost,
		ListenPort:            defaultListenPort,
		SocketPath:            DefaultSocketPath(),
		DockerMemory:          memory,
		DockerMemorySQL:       memorySQL,
		DockerCPUs:            defaultDockerCPUs,
		DockerCommandTimeout:  defaultCommandTimeout,
		ExecutionTimeout:      defaultExecutionTimeout,
		InteractiveTimeout:    defaultInteractiveTimeout,
		SessionTTL:            defaultSessionTTL,
		CleanupInterval:       defaultCleanupInterval,
		MaxPerSession:         defaultMaxPerSession,
		MaxConcurrentSessions: defaultMaxConcurrentSessions,
		MaxQueueSize:          defaultMaxQueueSize,
		QueueTimeout:          defaultQueueTimeout,
		SubnetPools:           pools,
		NetworkPrefix:         defaultNetworkPrefix,
		FilesMaxBytes:         filesMax,
		FilesMaxCount:         defaultFilesMaxCount,
		LogLevel:              "info",
		Runtimes:              DefaultRuntimes(),
	}
}

// DefaultSocketPath returns the unix socket the daemon listens on.
func DefaultSocketPath() string {
	if v := strings.TrimSpace(os.Getenv("CODERUNNER_SOCKET")); v != "" {
		return v
	}
	return "/var/run/coderunnerd.sock"
}

// Normalize fills derived values: trims strings and resolves each
// runtime's effective memory cap.
func Normalize(cfg Settings) Settings {
	cfg.ListenHost = strings.TrimSpace(cfg.ListenHost)
	cfg.NetworkPrefix = strings.TrimSpace(cfg.NetworkPrefix)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	if cfg.NetworkPrefix == "" {
		cfg.NetworkPrefix = defaultNetworkPrefix
	}

	normalized := make(map[string]Runtime, len(cfg.Runtimes))
	for lang, rt := range cfg.Runtimes {
		rt.MemoryBytes = cfg.DockerMemory
		if lang == "sql" && cfg.DockerMemorySQL > 0 {
			rt.MemoryBytes = cfg.DockerMemorySQL
		}
		if rt.Memory != "" {
			if b, err := units.RAMInBytes(rt.Memory); err == nil {
				rt.MemoryBytes = b
			}
		}
		normalized[strings.ToLower(strings.TrimSpace(lang))] = rt
	}
	cfg.Runtimes = normalized
	return cfg
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Settings) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return invalid("listen_port %d out of range", cfg.ListenPort)
	}

	if len(cfg.SubnetPools) == 0 {
		return invalid("no subnet pools configured")
	}
	seen := make(map[string]bool, len(cfg.SubnetPools))
	capacity := 0
	for _, p := range cfg.SubnetPools {
		if p.Name == "" {
			return invalid("subnet pool with empty name")
		}
		if seen[p.Name] {
			return invalid("duplicate subnet pool %q", p.Name)
		}
		seen[p.Name] = true
		if !p.CIDR.IsValid() || !p.CIDR.Addr().Is4() {
			return invalid("subnet pool %q: cidr must be valid ipv4", p.Name)
		}
		n, err := ipam.SubnetCount(p.CIDR)
		if err != nil {
			return invalid("subnet pool %q: %v", p.Name, err)
		}
		capacity += n
	}
	if capacity < cfg.MaxConcurrentSessions {
		return invalid("subnet capacity %d < max_concurrent_sessions %d", capacity, cfg.MaxConcurrentSessions)
	}

	if len(cfg.Runtimes) == 0 {
		return invalid("no runtimes configured")
	}
	for lang, rt := range cfg.Runtimes {
		if strings.TrimSpace(rt.Image) == "" {
			return invalid("runtime %q: image is required", lang)
		}
		if len(rt.Run) == 0 {
			return invalid("runtime %q: run command is required", lang)
		}
	}

	limits := []struct {
		name string
		v    int64
	}{
		{"docker_memory", cfg.DockerMemory},
		{"docker_memory_sql", cfg.DockerMemorySQL},
		{"docker_command_timeout_ms", int64(cfg.DockerCommandTimeout)},
		{"execution_timeout_ms", int64(cfg.ExecutionTimeout)},
		{"execution_timeout_interactive_ms", int64(cfg.InteractiveTimeout)},
		{"session_ttl_ms", int64(cfg.SessionTTL)},
		{"cleanup_interval_ms", int64(cfg.CleanupInterval)},
		{"max_per_session", int64(cfg.MaxPerSession)},
		{"max_concurrent_sessions", int64(cfg.MaxConcurrentSessions)},
		{"max_queue_size", int64(cfg.MaxQueueSize)},
		{"queue_timeout_ms", int64(cfg.QueueTimeout)},
		{"files_max_bytes", cfg.FilesMaxBytes},
		{"files_max_count", int64(cfg.FilesMaxCount)},
	}
	for _, l := range limits {
		if l.v <= 0 {
			return invalid("%s must be > 0", l.name)
		}
	}
	if cfg.DockerCPUs <= 0 {
		return invalid("docker_cpus must be > 0")
	}

	if !validPrefix(cfg.NetworkPrefix) {
		return invalid("session_network_prefix %q: must be lowercase ascii [a-z0-9-]", cfg.NetworkPrefix)
	}
	if len(cfg.NetworkPrefix)+1+sessionIDMaxLen > networkNameMax {
		return invalid("session_network_prefix %q too long for %d-char network names", cfg.NetworkPrefix, networkNameMax)
	}
	return nil
}

// ValidateSessionID rejects identifiers that cannot form a network name.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > sessionIDMaxLen {
		return coderunner.E(coderunner.CodeInputInvalid, "session id must be 1..%d chars", sessionIDMaxLen)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return coderunner.E(coderunner.CodeInputInvalid, "session id contains invalid character %q", c)
		}
	}
	return nil
}

// ParsePools parses the subnet_pools value: ordered
// "name=cidr[,name=cidr...]" entries.
func ParsePools(s string) ([]Pool, error) {
	var pools []Pool
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, cidr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, invalid("subnet pool entry %q: want name=cidr", part)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, invalid("subnet pool %q: %v", name, err)
		}
		pools = append(pools, Pool{Name: strings.TrimSpace(name), CIDR: prefix.Masked()})
	}
	return pools, nil
}

func applyEnv(cfg *Settings) error {
	var err error
	set := func(key string, fn func(v string) error) {
		if err != nil {
			return
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if e := fn(v); e != nil {
				err = invalid("%s: %v", key, e)
			}
		}
	}

	set("CODERUNNER_LISTEN_HOST", func(v string) error { cfg.ListenHost = v; return nil })
	set("CODERUNNER_LISTEN_PORT", intVar(&cfg.ListenPort))
	set("CODERUNNER_SOCKET", func(v string) error { cfg.SocketPath = v; return nil })
	set("CODERUNNER_DOCKER_MEMORY", bytesVar(&cfg.DockerMemory))
	set("CODERUNNER_DOCKER_MEMORY_SQL", bytesVar(&cfg.DockerMemorySQL))
	set("CODERUNNER_DOCKER_CPUS", func(v string) error {
		f, e := strconv.ParseFloat(v, 64)
		cfg.DockerCPUs = f
		return e
	})
	set("CODERUNNER_DOCKER_COMMAND_TIMEOUT_MS", msVar(&cfg.DockerCommandTimeout))
	set("CODERUNNER_EXECUTION_TIMEOUT_MS", msVar(&cfg.ExecutionTimeout))
	set("CODERUNNER_EXECUTION_TIMEOUT_INTERACTIVE_MS", msVar(&cfg.InteractiveTimeout))
	set("CODERUNNER_SESSION_TTL_MS", msVar(&cfg.SessionTTL))
	set("CODERUNNER_CLEANUP_INTERVAL_MS", msVar(&cfg.CleanupInterval))
	set("CODERUNNER_MAX_PER_SESSION", intVar(&cfg.MaxPerSession))
	set("CODERUNNER_MAX_CONCURRENT_SESSIONS", intVar(&cfg.MaxConcurrentSessions))
	set("CODERUNNER_MAX_QUEUE_SIZE", intVar(&cfg.MaxQueueSize))
	set("CODERUNNER_QUEUE_TIMEOUT_MS", msVar(&cfg.QueueTimeout))
	set("CODERUNNER_SUBNET_POOLS", func(v string) error {
		pools, e := ParsePools(v)
		if e != nil {
			return e
		}
		cfg.SubnetPools = pools
		return nil
	})
	set("CODERUNNER_NETWORK_PREFIX", func(v string) error { cfg.NetworkPrefix = v; return nil })
	set("CODERUNNER_FILES_MAX_BYTES", bytesVar(&cfg.FilesMaxBytes))
	set("CODERUNNER_FILES_MAX_COUNT", intVar(&cfg.FilesMaxCount))
	set("CODERUNNER_LOG_LEVEL", func(v string) error { cfg.LogLevel = v; return nil })
	set("CODERUNNER_TRACING", func(v string) error {
		b, e := strconv.ParseBool(v)
		cfg.Tracing = b
		return e
	})
	return err
}

// fileSettings mirrors Settings for the optional YAML config file.
// Pointer fields distinguish "absent" from zero.
type fileSettings struct {
	ListenHost           *string            `yaml:"listen_host"`
	ListenPort           *int               `yaml:"listen_port"`
	Socket               *string            `yaml:"socket"`
	DockerMemory         *string            `yaml:"docker_memory"`
	DockerMemorySQL      *string            `yaml:"docker_memory_sql"`
	DockerCPUs           *float64           `yaml:"docker_cpus"`
	DockerCommandTimeout *int64             `yaml:"docker_command_timeout_ms"`
	ExecutionTimeout     *int64             `yaml:"execution_timeout_ms"`
	InteractiveTimeout   *int64             `yaml:"execution_timeout_interactive_ms"`
	SessionTTL           *int64             `yaml:"session_ttl_ms"`
	CleanupInterval      *int64             `yaml:"cleanup_interval_ms"`
	MaxPerSession        *int               `yaml:"max_per_session"`
	MaxConcurrent        *int               `yaml:"max_concurrent_sessions"`
	MaxQueueSize         *int               `yaml:"max_queue_size"`
	QueueTimeout         *int64             `yaml:"queue_timeout_ms"`
	SubnetPools          []filePool         `yaml:"subnet_pools"`
	NetworkPrefix        *string            `yaml:"session_network_prefix"`
	FilesMaxBytes        *string            `yaml:"files_max_bytes"`
	FilesMaxCount        *int               `yaml:"files_max_count"`
	LogLevel             *string            `yaml:"log_level"`
	Tracing              *bool              `yaml:"tracing"`
	Runtimes             map[string]Runtime `yaml:"runtimes"`
}

type filePool struct {
	Name string `yaml:"name"`
	CIDR string `yaml:"cidr"`
}

func applyFile(cfg *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return invalid("read config file: %v", err)
	}
	var f fileSettings
	if err := yaml.Unmarshal(data, &f); err != nil {
		return invalid("parse config file %s: %v", path, err)
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setMS := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	setBytes := func(dst *int64, src *string) error {
		if src == nil {
			return nil
		}
		b, e := units.RAMInBytes(*src)
		if e != nil {
			return e
		}
		*dst = b
		return nil
	}

	setStr(&cfg.ListenHost, f.ListenHost)
	setInt(&cfg.ListenPort, f.ListenPort)
	setStr(&cfg.SocketPath, f.Socket)
	if err := setBytes(&cfg.DockerMemory, f.DockerMemory); err != nil {
		return invalid("docker_memory: %v", err)
	}
	if err := setBytes(&cfg.DockerMemorySQL, f.DockerMemorySQL); err != nil {
		return invalid("docker_memory_sql: %v", err)
	}
	if f.DockerCPUs != nil {
		cfg.DockerCPUs = *f.DockerCPUs
	}
	setMS(&cfg.DockerCommandTimeout, f.DockerCommandTimeout)
	setMS(&cfg.ExecutionTimeout, f.ExecutionTimeout)
	setMS(&cfg.InteractiveTimeout, f.InteractiveTimeout)
	setMS(&cfg.SessionTTL, f.SessionTTL)
	setMS(&cfg.CleanupInterval, f.CleanupInterval)
	setInt(&cfg.MaxPerSession, f.MaxPerSession)
	setInt(&cfg.MaxConcurrentSessions, f.MaxConcurrent)
	setInt(&cfg.MaxQueueSize, f.MaxQueueSize)
	setMS(&cfg.QueueTimeout, f.QueueTimeout)
	if len(f.SubnetPools) > 0 {
		pools := make([]Pool, 0, len(f.SubnetPools))
		for _, fp := range f.SubnetPools {
			prefix, e := netip.ParsePrefix(strings.TrimSpace(fp.CIDR))
			if e != nil {
				return invalid("subnet pool %q: %v", fp.Name, e)
			}
			pools = append(pools, Pool{Name: fp.Name, CIDR: prefix.Masked()})
		}
		cfg.SubnetPools = pools
	}
	setStr(&cfg.NetworkPrefix, f.NetworkPrefix)
	if err := setBytes(&cfg.FilesMaxBytes, f.FilesMaxBytes); err != nil {
		return invalid("files_max_bytes: %v", err)
	}
	setInt(&cfg.FilesMaxCount, f.FilesMaxCount)
	setStr(&cfg.LogLevel, f.LogLevel)
	if f.Tracing != nil {
		cfg.Tracing = *f.Tracing
	}
	if len(f.Runtimes) > 0 {
		cfg.Runtimes = f.Runtimes
	}
	return nil
}

func intVar(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func bytesVar(dst *int64) func(string) error {
	return func(v string) error {
		b, err := units.RAMInBytes(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func msVar(dst *time.Duration) func(string) error {
	return func(v string) error {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
}

func validPrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

func invalid(format string, args ...any) error {
	return coderunner.E(coderunner.CodeConfigInvalid, format, args...)
}
