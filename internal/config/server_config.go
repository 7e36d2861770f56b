package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/ibsa/internal/rdma"
)

// RDMA fatal error policies
const (
	FatalPolicyDegrade = "degrade"
	FatalPolicyExit    = "exit"
)

// ErrNoConfigFile is returned by WatchServerConfig when no file was given
var ErrNoConfigFile = errors.New("no configuration file to watch")

// ServerConfig holds configuration for the SA server
type ServerConfig struct {
	LogLevel     string
	InstanceName string

	CAName   string
	CAPort   int
	PortGUID uint64
	Workers  int

	RDMAEnabled           bool
	RDMAQPPoolSize        int
	RDMACQDepth           int
	RDMACompletionTimeout time.Duration
	RDMARatePerSecond     int
	RDMAFatalPolicy       string
	SegmentedDelivery     bool

	SADBFile           string
	SADBDump           bool
	DumpDir            string
	DumpInterval       time.Duration
	NoClientsRereg     bool
	LeaseCheckInterval time.Duration
	LocalGUIDCap       uint16

	MetricsEnabled    bool
	OtelCollectorAddr string
	MirrorEnabled     bool
	DatabaseURI       string
}

var serverDefaults = map[string]any{
	"log-level":                  "info",
	"instance-name":              "",
	"ca-name":                    "",
	"ca-port":                    0,
	"port-guid":                  "0",
	"workers":                    4,
	"rdma-enabled":               true,
	"rdma-qp-pool-size":          rdma.DefaultPoolSize,
	"rdma-cq-depth":              rdma.DefaultCQDepth,
	"rdma-completion-timeout-ms": 5000,
	"rdma-rate-per-second":       0,
	"rdma-fatal-policy":          FatalPolicyDegrade,
	"segmented-delivery":         true,
	"sa-db-file":                 "",
	"sa-db-dump":                 true,
	"dump-dir":                   "/var/cache/ibsa",
	"dump-interval-ms":           10000,
	"no-clients-rereg":           false,
	"lease-check-interval-ms":    1000,
	"local-guid-cap":             32,
	"metrics-enabled":            false,
	"otel-collector-addr":        "localhost:4317",
	"mirror-enabled":             false,
	"database-uri":               "http://localhost:4001",
}

// SetupServerFlags sets up the command line flags for the SA server
func SetupServerFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "ibsa.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.String("instance-name", "", "Name of this SA in metrics and the mirror (defaults to the hostname)")
	flagSet.String("ca-name", "", "CA to bind when port-guid is zero (empty selects the first CA)")
	flagSet.Int("ca-port", 0, "CA port to bind when port-guid is zero")
	flagSet.String("port-guid", "0", "GUID of the local port to serve on")
	flagSet.Int("workers", 4, "Number of request handler goroutines")

	flagSet.Bool("rdma-enabled", true, "Deliver large tables by RDMA write when clients ask for it")
	flagSet.Int("rdma-qp-pool-size", rdma.DefaultPoolSize, "Number of RC queue pairs used for RDMA delivery")
	flagSet.Int("rdma-cq-depth", rdma.DefaultCQDepth, "Completion queue depth")
	flagSet.Int("rdma-completion-timeout-ms", 5000, "Time to wait for an RDMA write completion")
	flagSet.Int("rdma-rate-per-second", 0, "Maximum RDMA transfers per second (0 means unlimited)")
	flagSet.String("rdma-fatal-policy", FatalPolicyDegrade, "Reaction to a queue pair stuck after a transfer (degrade, exit)")
	flagSet.Bool("segmented-delivery", true, "Send tables larger than one MAD with RMPP")

	flagSet.String("sa-db-file", "", "SA database file loaded at startup")
	flagSet.Bool("sa-db-dump", true, "Periodically dump the SA database")
	flagSet.String("dump-dir", "/var/cache/ibsa", "Directory the SA database is dumped to")
	flagSet.Int("dump-interval-ms", 10000, "Interval between SA database dumps")
	flagSet.Bool("no-clients-rereg", false, "Do not ask clients to reregister after a failed load")
	flagSet.Int("lease-check-interval-ms", 1000, "Interval between service lease checks")
	flagSet.Int("local-guid-cap", 32, "GUID table capacity of the local port")

	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
	flagSet.Bool("mirror-enabled", false, "Mirror the SA database into rqlite after each dump")
	flagSet.String("database-uri", "http://localhost:4001", "URI for the database connection")
}

func newServerViper(flagSet *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range serverDefaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("IBSA_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("ibsa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ibsa")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	return v, nil
}

// LoadServerConfig loads the SA server configuration from flags, environment
// variables and an optional config file
func LoadServerConfig(flagSet *pflag.FlagSet) (*ServerConfig, error) {
	v, err := newServerViper(flagSet)
	if err != nil {
		return nil, err
	}
	return serverConfigFrom(v)
}

func serverConfigFrom(v *viper.Viper) (*ServerConfig, error) {
	guid, err := strconv.ParseUint(v.GetString("port-guid"), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid port-guid %q: %w", v.GetString("port-guid"), err)
	}

	instance := v.GetString("instance-name")
	if instance == "" {
		instance = defaultInstanceName()
	}

	config := &ServerConfig{
		LogLevel:              v.GetString("log-level"),
		InstanceName:          instance,
		CAName:                v.GetString("ca-name"),
		CAPort:                v.GetInt("ca-port"),
		PortGUID:              guid,
		Workers:               v.GetInt("workers"),
		RDMAEnabled:           v.GetBool("rdma-enabled"),
		RDMAQPPoolSize:        v.GetInt("rdma-qp-pool-size"),
		RDMACQDepth:           v.GetInt("rdma-cq-depth"),
		RDMACompletionTimeout: time.Duration(v.GetInt("rdma-completion-timeout-ms")) * time.Millisecond,
		RDMARatePerSecond:     v.GetInt("rdma-rate-per-second"),
		RDMAFatalPolicy:       strings.ToLower(v.GetString("rdma-fatal-policy")),
		SegmentedDelivery:     v.GetBool("segmented-delivery"),
		SADBFile:              v.GetString("sa-db-file"),
		SADBDump:              v.GetBool("sa-db-dump"),
		DumpDir:               v.GetString("dump-dir"),
		DumpInterval:          time.Duration(v.GetInt("dump-interval-ms")) * time.Millisecond,
		NoClientsRereg:        v.GetBool("no-clients-rereg"),
		LeaseCheckInterval:    time.Duration(v.GetInt("lease-check-interval-ms")) * time.Millisecond,
		LocalGUIDCap:          uint16(v.GetUint32("local-guid-cap")),
		MetricsEnabled:        v.GetBool("metrics-enabled"),
		OtelCollectorAddr:     v.GetString("otel-collector-addr"),
		MirrorEnabled:         v.GetBool("mirror-enabled"),
		DatabaseURI:           v.GetString("database-uri"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the server cannot run with
func (c *ServerConfig) Validate() error {
	switch c.RDMAFatalPolicy {
	case FatalPolicyDegrade, FatalPolicyExit:
	default:
		return fmt.Errorf("invalid rdma-fatal-policy %q (want %s or %s)", c.RDMAFatalPolicy, FatalPolicyDegrade, FatalPolicyExit)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.RDMAEnabled && c.RDMAQPPoolSize <= 0 {
		return fmt.Errorf("rdma-qp-pool-size must be positive, got %d", c.RDMAQPPoolSize)
	}
	if c.SADBDump && c.DumpInterval <= 0 {
		return fmt.Errorf("dump-interval-ms must be positive, got %s", c.DumpInterval)
	}
	if c.RDMARatePerSecond < 0 {
		return fmt.Errorf("rdma-rate-per-second must not be negative, got %d", c.RDMARatePerSecond)
	}
	return nil
}

// WatchServerConfig calls onChange with the reloaded configuration each time
// the config file changes. Invalid edits are logged and skipped.
func WatchServerConfig(flagSet *pflag.FlagSet, onChange func(*ServerConfig)) error {
	v, err := newServerViper(flagSet)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := serverConfigFrom(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Configuration file changed")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// CreateDefaultServerConfig creates a default configuration file for the SA server
func CreateDefaultServerConfig(path string) error {
	configContent := fmt.Sprintf(`# ibsa SA server configuration
log-level: "info" # debug, info, warn, error
instance-name: "" # defaults to the hostname

# Local port. port-guid wins over ca-name/ca-port when non-zero.
ca-name: ""
ca-port: 0
port-guid: "0x0"
workers: 4

rdma-enabled: true
rdma-qp-pool-size: %d
rdma-cq-depth: %d
rdma-completion-timeout-ms: 5000
rdma-rate-per-second: 0 # 0 means unlimited
rdma-fatal-policy: "degrade" # degrade, exit
segmented-delivery: true

sa-db-file: "" # loaded at startup when set
sa-db-dump: true
dump-dir: "/var/cache/ibsa"
dump-interval-ms: 10000 # 10 seconds
no-clients-rereg: false
lease-check-interval-ms: 1000
local-guid-cap: 32

metrics-enabled: false
otel-collector-addr: "localhost:4317"
mirror-enabled: false
database-uri: "http://localhost:4001"
`, rdma.DefaultPoolSize, rdma.DefaultCQDepth)

	return writeTemplate(path, configContent)
}
