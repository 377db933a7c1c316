package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SNMPConfig tunes the SNMP client.
type SNMPConfig struct {
	Port           int
	Timeout        time.Duration
	Retries        int
	Fanout         int
	MaxRepetitions uint32
}

// ICMPConfig tunes the ICMP prober.
type ICMPConfig struct {
	Count     int
	Timeout   time.Duration
	Interval  time.Duration
	Fanout    int
	RateLimit float64
	RateBurst int
}

// FlapConfig tunes the flapping overlay of the state machine.
type FlapConfig struct {
	Window       time.Duration
	Threshold    int
	ISPThreshold int
	ClearWindow  time.Duration
}

// TSDBConfig points at the time-series store.
type TSDBConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// RetentionConfig tunes housekeeping deletes.
type RetentionConfig struct {
	PingResults    time.Duration
	StaleInterface time.Duration
	ResolvedAlerts time.Duration
	IdleTxMax      time.Duration
}

// Config is the full process configuration. Values come from the YAML file
// with environment variables taking precedence; a production deployment may
// supply environment only.
type Config struct {
	PingPeriod        time.Duration
	SNMPPeriod        time.Duration
	AlertPeriod       time.Duration
	DiscoveryPeriod   time.Duration
	MaintenancePeriod time.Duration

	ICMP      ICMPConfig
	SNMP      SNMPConfig
	Flap      FlapConfig
	Retention RetentionConfig
	TSDB      TSDBConfig

	DBURL    string
	QueueURL string
	VaultKey string

	QueueHighWater int
	RecoveryEvents bool
	HealthPort     int
}

type rawConfig struct {
	PingPeriod        string `yaml:"ping_period"`
	SNMPPeriod        string `yaml:"snmp_period"`
	AlertPeriod       string `yaml:"alert_period"`
	DiscoveryPeriod   string `yaml:"discovery_period"`
	MaintenancePeriod string `yaml:"maintenance_period"`

	ICMP struct {
		Count     int     `yaml:"count"`
		Timeout   string  `yaml:"timeout"`
		Interval  string  `yaml:"interval"`
		Fanout    int     `yaml:"fanout"`
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"icmp"`

	SNMP struct {
		Port           int    `yaml:"port"`
		Timeout        string `yaml:"timeout"`
		Retries        int    `yaml:"retries"`
		Fanout         int    `yaml:"fanout"`
		MaxRepetitions uint32 `yaml:"max_repetitions"`
	} `yaml:"snmp"`

	Flap struct {
		Window       string `yaml:"window"`
		Threshold    int    `yaml:"threshold"`
		ISPThreshold int    `yaml:"isp_threshold"`
		ClearWindow  string `yaml:"clear_window"`
	} `yaml:"flap"`

	Retention struct {
		PingResults    string `yaml:"ping_results"`
		StaleInterface string `yaml:"stale_interface"`
		ResolvedAlerts string `yaml:"resolved_alerts"`
		IdleTxMax      string `yaml:"idle_tx_max"`
	} `yaml:"retention"`

	TSDB TSDBConfig `yaml:"tsdb"`

	DBURL    string `yaml:"db_url"`
	QueueURL string `yaml:"queue_url"`
	VaultKey string `yaml:"vault_key"`

	QueueHighWater int  `yaml:"queue_high_water"`
	RecoveryEvents bool `yaml:"recovery_events"`
	HealthPort     int  `yaml:"health_port"`
}

// LoadConfig reads the YAML file at path (a missing file is fine) and applies
// environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	var raw rawConfig
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg := &Config{}

	var err error
	if cfg.PingPeriod, err = durationOr(raw.PingPeriod, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SNMPPeriod, err = durationOr(raw.SNMPPeriod, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.AlertPeriod, err = durationOr(raw.AlertPeriod, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DiscoveryPeriod, err = durationOr(raw.DiscoveryPeriod, time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaintenancePeriod, err = durationOr(raw.MaintenancePeriod, 5*time.Minute); err != nil {
		return nil, err
	}

	cfg.ICMP.Count = intOr(raw.ICMP.Count, 3)
	if cfg.ICMP.Timeout, err = durationOr(raw.ICMP.Timeout, time.Second); err != nil {
		return nil, err
	}
	if cfg.ICMP.Interval, err = durationOr(raw.ICMP.Interval, 200*time.Millisecond); err != nil {
		return nil, err
	}
	cfg.ICMP.Fanout = intOr(raw.ICMP.Fanout, 50)
	cfg.ICMP.RateLimit = raw.ICMP.RateLimit
	if cfg.ICMP.RateLimit == 0 {
		cfg.ICMP.RateLimit = 200
	}
	cfg.ICMP.RateBurst = intOr(raw.ICMP.RateBurst, 50)

	cfg.SNMP.Port = intOr(raw.SNMP.Port, 161)
	if cfg.SNMP.Timeout, err = durationOr(raw.SNMP.Timeout, 5*time.Second); err != nil {
		return nil, err
	}
	cfg.SNMP.Retries = intOr(raw.SNMP.Retries, 3)
	cfg.SNMP.Fanout = intOr(raw.SNMP.Fanout, 50)
	cfg.SNMP.MaxRepetitions = raw.SNMP.MaxRepetitions
	if cfg.SNMP.MaxRepetitions == 0 {
		cfg.SNMP.MaxRepetitions = 25
	}

	if cfg.Flap.Window, err = durationOr(raw.Flap.Window, 5*time.Minute); err != nil {
		return nil, err
	}
	cfg.Flap.Threshold = intOr(raw.Flap.Threshold, 3)
	cfg.Flap.ISPThreshold = intOr(raw.Flap.ISPThreshold, 2)
	if cfg.Flap.ClearWindow, err = durationOr(raw.Flap.ClearWindow, 15*time.Minute); err != nil {
		return nil, err
	}

	if cfg.Retention.PingResults, err = durationOr(raw.Retention.PingResults, 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Retention.StaleInterface, err = durationOr(raw.Retention.StaleInterface, 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Retention.ResolvedAlerts, err = durationOr(raw.Retention.ResolvedAlerts, 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Retention.IdleTxMax, err = durationOr(raw.Retention.IdleTxMax, time.Minute); err != nil {
		return nil, err
	}

	cfg.TSDB = raw.TSDB
	cfg.DBURL = raw.DBURL
	cfg.QueueURL = raw.QueueURL
	cfg.VaultKey = raw.VaultKey
	cfg.QueueHighWater = intOr(raw.QueueHighWater, 1000)
	cfg.RecoveryEvents = raw.RecoveryEvents
	cfg.HealthPort = intOr(raw.HealthPort, 8090)

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps the deployment's environment variables onto the config.
func applyEnv(cfg *Config) error {
	var firstErr error
	set := func(e error) {
		if firstErr == nil {
			firstErr = e
		}
	}

	set(envSeconds("PING_PERIOD_SECONDS", &cfg.PingPeriod))
	set(envSeconds("SNMP_PERIOD_SECONDS", &cfg.SNMPPeriod))
	set(envInt("ICMP_COUNT", &cfg.ICMP.Count))
	set(envMillis("ICMP_TIMEOUT_MS", &cfg.ICMP.Timeout))
	set(envMillis("ICMP_INTERVAL_MS", &cfg.ICMP.Interval))
	set(envInt("ICMP_FANOUT", &cfg.ICMP.Fanout))
	set(envSeconds("SNMP_TIMEOUT_SECONDS", &cfg.SNMP.Timeout))
	set(envInt("SNMP_RETRIES", &cfg.SNMP.Retries))
	set(envInt("SNMP_FANOUT", &cfg.SNMP.Fanout))
	set(envUint32("SNMP_MAX_REPETITIONS", &cfg.SNMP.MaxRepetitions))
	set(envSeconds("FLAP_WINDOW_SECONDS", &cfg.Flap.Window))
	set(envInt("FLAP_THRESHOLD", &cfg.Flap.Threshold))
	set(envSeconds("FLAP_CLEAR_SECONDS", &cfg.Flap.ClearWindow))
	set(envDays("PING_RETENTION_DAYS", &cfg.Retention.PingResults))
	set(envDays("STALE_INTERFACE_TTL_DAYS", &cfg.Retention.StaleInterface))
	set(envDays("ALERT_RETENTION_DAYS", &cfg.Retention.ResolvedAlerts))
	set(envInt("QUEUE_HIGH_WATER", &cfg.QueueHighWater))

	if v := os.Getenv("TSDB_URL"); v != "" {
		cfg.TSDB.URL = v
	}
	if v := os.Getenv("TSDB_TOKEN"); v != "" {
		cfg.TSDB.Token = v
	}
	if v := os.Getenv("TSDB_ORG"); v != "" {
		cfg.TSDB.Org = v
	}
	if v := os.Getenv("TSDB_BUCKET"); v != "" {
		cfg.TSDB.Bucket = v
	}
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.QueueURL = v
	}
	if v := os.Getenv("VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	return firstErr
}

// BatchTimeout bounds one batch task's wall clock: the period minus headroom
// so a straggling batch never overlaps the next tick.
func BatchTimeout(period time.Duration) time.Duration {
	if period <= 10*time.Second {
		return period / 2
	}
	return period - 5*time.Second
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func envUint32(name string, dst *uint32) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	*dst = uint32(n)
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envMillis(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func envDays(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	*dst = time.Duration(n) * 24 * time.Hour
	return nil
}
