package state

import (
	"fmt"
	"time"
)

type KvStoreCfg struct {
	ListenAddr              string   `yaml:"listen_addr,omitempty"`
	TTLMs                   int64    `yaml:"ttl_ms,omitempty"`
	FloodMsgPerSec          int      `yaml:"flood_msg_per_sec,omitempty"`
	FloodBurstSize          int      `yaml:"flood_burst_size,omitempty"`
	SyncMinBackoffMs        int64    `yaml:"sync_min_backoff_ms,omitempty"`
	SyncMaxBackoffMs        int64    `yaml:"sync_max_backoff_ms,omitempty"`
	SyncTimeoutMs           int64    `yaml:"sync_timeout_ms,omitempty"`
	EnableFloodOptimization bool     `yaml:"enable_flood_optimization,omitempty"`
	IsFloodRoot             bool     `yaml:"is_flood_root,omitempty"`
	LeafNode                bool     `yaml:"leaf_node,omitempty"`
	KeyPrefixFilters        []string `yaml:"key_prefix_filters,omitempty"`
	OriginatorAllowlist     []string `yaml:"originator_allowlist,omitempty"`
}

type SparkCfg struct {
	Port               int   `yaml:"port,omitempty"`
	KeepAliveMs        int64 `yaml:"keep_alive_ms,omitempty"`
	FastInitMs         int64 `yaml:"fast_init_ms,omitempty"`
	HoldTimeMs         int64 `yaml:"hold_time_ms,omitempty"`
	HandshakeMs        int64 `yaml:"handshake_ms,omitempty"`
	HeartbeatMs        int64 `yaml:"heartbeat_ms,omitempty"`
	GracefulRestartMs  int64 `yaml:"graceful_restart_ms,omitempty"`
	MaxHelloPps        int   `yaml:"max_hello_pps,omitempty"`
	V4SubnetValidation bool  `yaml:"v4_subnet_validation,omitempty"`
	AdjLabelBase       int32 `yaml:"adj_label_base,omitempty"`
	AdjLabelTop        int32 `yaml:"adj_label_top,omitempty"`
}

type DecisionCfg struct {
	SpfMinDelayMs int64 `yaml:"spf_min_delay_ms,omitempty"`
	SpfMaxDelayMs int64 `yaml:"spf_max_delay_ms,omitempty"`
	EnableLfa     bool  `yaml:"enable_lfa,omitempty"`
}

type FibCfg struct {
	ReconcileIntervalMs int64 `yaml:"reconcile_interval_ms,omitempty"`
	RetryMinMs          int64 `yaml:"retry_min_ms,omitempty"`
	RetryMaxMs          int64 `yaml:"retry_max_ms,omitempty"`
	DryRun              bool  `yaml:"dry_run,omitempty"`
	EnableOrderedFib    bool  `yaml:"enable_ordered_fib,omitempty"`
}

type LinkMonitorCfg struct {
	IncludeIfRegexes []string `yaml:"include_if_regexes,omitempty"`
	ExcludeIfRegexes []string `yaml:"exclude_if_regexes,omitempty"`
	RedistIfRegexes  []string `yaml:"redist_if_regexes,omitempty"`
	InitialBackoffMs int64    `yaml:"initial_backoff_ms,omitempty"`
	MaxBackoffMs     int64    `yaml:"max_backoff_ms,omitempty"`
	AdjHolddownMs    int64    `yaml:"adj_holddown_ms,omitempty"`
	UseRttMetric     bool     `yaml:"use_rtt_metric,omitempty"`
}

type PrefixManagerCfg struct {
	HolddownMs         int64 `yaml:"holddown_ms,omitempty"`
	PrefixKeyPerPrefix bool  `yaml:"prefix_key_per_prefix,omitempty"`
}

type ConfigStoreCfg struct {
	FilePath        string `yaml:"file_path"`
	FlushIntervalMs int64  `yaml:"flush_interval_ms,omitempty"`
}

type Config struct {
	NodeName string   `yaml:"node_name"`
	Domain   string   `yaml:"domain"`
	Areas    []string `yaml:"areas,omitempty"`
	EnableV4 bool     `yaml:"enable_v4,omitempty"`
	LogPath  string   `yaml:"log_path,omitempty"`

	EnableSegmentRouting bool `yaml:"enable_segment_routing,omitempty"`
	// NodeSegmentLabel is this node's segment-routing label; 0 disables the
	// node segment.
	NodeSegmentLabel int32 `yaml:"node_segment_label,omitempty"`

	KvStore       KvStoreCfg       `yaml:"kvstore,omitempty"`
	Spark         SparkCfg         `yaml:"spark,omitempty"`
	Decision      DecisionCfg      `yaml:"decision,omitempty"`
	Fib           FibCfg           `yaml:"fib,omitempty"`
	LinkMonitor   LinkMonitorCfg   `yaml:"link_monitor,omitempty"`
	PrefixManager PrefixManagerCfg `yaml:"prefix_manager,omitempty"`
	ConfigStore   ConfigStoreCfg   `yaml:"config_store"`
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *SparkCfg) KeepAlive() time.Duration { return msOrDefault(c.KeepAliveMs, DefaultKeepAlive) }
func (c *SparkCfg) FastInit() time.Duration  { return msOrDefault(c.FastInitMs, DefaultFastInit) }
func (c *SparkCfg) HoldTime() time.Duration  { return msOrDefault(c.HoldTimeMs, DefaultHoldTime) }
func (c *SparkCfg) Handshake() time.Duration {
	return msOrDefault(c.HandshakeMs, DefaultHandshakeTime)
}

// Heartbeat defaults to a third of keep-alive, floored at 100ms.
func (c *SparkCfg) Heartbeat() time.Duration {
	if c.HeartbeatMs > 0 {
		return time.Duration(c.HeartbeatMs) * time.Millisecond
	}
	hb := c.KeepAlive() / 3
	if hb < 100*time.Millisecond {
		hb = 100 * time.Millisecond
	}
	return hb
}

func (c *SparkCfg) GracefulRestart() time.Duration {
	return msOrDefault(c.GracefulRestartMs, DefaultGracefulRestart)
}

func (c *KvStoreCfg) TTL() time.Duration { return msOrDefault(c.TTLMs, DefaultKvTTL) }
func (c *KvStoreCfg) SyncMinBackoff() time.Duration {
	return msOrDefault(c.SyncMinBackoffMs, DefaultSyncMinBackoff)
}
func (c *KvStoreCfg) SyncMaxBackoff() time.Duration {
	return msOrDefault(c.SyncMaxBackoffMs, DefaultSyncMaxBackoff)
}
func (c *KvStoreCfg) SyncTimeout() time.Duration {
	return msOrDefault(c.SyncTimeoutMs, DefaultSyncTimeout)
}

func (c *DecisionCfg) SpfMinDelay() time.Duration {
	return msOrDefault(c.SpfMinDelayMs, DefaultSpfMinDelay)
}
func (c *DecisionCfg) SpfMaxDelay() time.Duration {
	return msOrDefault(c.SpfMaxDelayMs, DefaultSpfMaxDelay)
}

func (c *FibCfg) ReconcileInterval() time.Duration {
	return msOrDefault(c.ReconcileIntervalMs, DefaultReconcileInterval)
}
func (c *FibCfg) RetryMin() time.Duration { return msOrDefault(c.RetryMinMs, DefaultFibRetryMin) }
func (c *FibCfg) RetryMax() time.Duration { return msOrDefault(c.RetryMaxMs, DefaultFibRetryMax) }

func (c *LinkMonitorCfg) InitialBackoff() time.Duration {
	return msOrDefault(c.InitialBackoffMs, DefaultLinkBackoffMin)
}
func (c *LinkMonitorCfg) MaxBackoff() time.Duration {
	return msOrDefault(c.MaxBackoffMs, DefaultLinkBackoffMax)
}
func (c *LinkMonitorCfg) AdjHolddown() time.Duration {
	return msOrDefault(c.AdjHolddownMs, DefaultAdjHolddown)
}

func (c *PrefixManagerCfg) Holddown() time.Duration {
	return msOrDefault(c.HolddownMs, DefaultPrefixHolddown)
}

func (c *ConfigStoreCfg) FlushInterval() time.Duration {
	return msOrDefault(c.FlushIntervalMs, DefaultFlushInterval)
}

// ConfigValidator applies defaults and rejects inconsistent settings.
func ConfigValidator(c *Config) error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if c.Domain == "" {
		return fmt.Errorf("domain must not be empty")
	}
	if len(c.Areas) == 0 {
		c.Areas = []string{"0"}
	}
	if c.ConfigStore.FilePath == "" {
		return fmt.Errorf("config_store.file_path must not be empty")
	}
	if c.Spark.Port == 0 {
		c.Spark.Port = DefaultSparkPort
	}
	if c.Spark.HoldTime() < 3*c.Spark.KeepAlive() {
		return fmt.Errorf("spark: hold_time (%v) must be at least 3x keep_alive (%v)",
			c.Spark.HoldTime(), c.Spark.KeepAlive())
	}
	if c.Spark.Heartbeat() > c.Spark.KeepAlive()/3 {
		return fmt.Errorf("spark: heartbeat (%v) must be at most keep_alive/3 (%v)",
			c.Spark.Heartbeat(), c.Spark.KeepAlive()/3)
	}
	if c.Spark.MaxHelloPps == 0 {
		c.Spark.MaxHelloPps = DefaultMaxHelloPps
	}
	if c.Spark.AdjLabelBase == 0 {
		c.Spark.AdjLabelBase = DefaultAdjLabelBase
	}
	if c.Spark.AdjLabelTop == 0 {
		c.Spark.AdjLabelTop = DefaultAdjLabelTop
	}
	if c.Spark.AdjLabelBase >= c.Spark.AdjLabelTop {
		return fmt.Errorf("spark: adj_label_base must be below adj_label_top")
	}
	if !IsValidMplsLabel(c.Spark.AdjLabelBase) || !IsValidMplsLabel(c.Spark.AdjLabelTop) {
		return fmt.Errorf("spark: adjacency label range must fit in 20 bits")
	}
	if c.KvStore.FloodMsgPerSec == 0 {
		c.KvStore.FloodMsgPerSec = DefaultFloodPerSec
	}
	if c.KvStore.FloodBurstSize == 0 {
		c.KvStore.FloodBurstSize = DefaultFloodBurst
	}
	if c.KvStore.LeafNode && len(c.KvStore.KeyPrefixFilters) == 0 && len(c.KvStore.OriginatorAllowlist) == 0 {
		return fmt.Errorf("kvstore: leaf_node requires key_prefix_filters or originator_allowlist")
	}
	if c.Decision.SpfMinDelay() > c.Decision.SpfMaxDelay() {
		return fmt.Errorf("decision: spf_min_delay must not exceed spf_max_delay")
	}
	if c.NodeSegmentLabel != 0 && !IsValidMplsLabel(c.NodeSegmentLabel) {
		return fmt.Errorf("node_segment_label must fit in 20 bits")
	}
	return nil
}
