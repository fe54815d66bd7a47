package state

import "time"

const (
	// SparkVersion is advertised in every hello; peers below
	// SparkLowestSupportedVersion are rejected.
	SparkVersion                = 20
	SparkLowestSupportedVersion = 20

	// SparkMcastGroup is the fixed link-local discovery group.
	SparkMcastGroup = "ff02::10b"
	DefaultSparkPort = 6666

	DefaultCtrlPort = 2018
	DefaultKvPort   = 2019
)

var (
	DefaultKeepAlive       = 2 * time.Second
	DefaultFastInit        = 100 * time.Millisecond
	DefaultHoldTime        = 10 * time.Second
	DefaultHandshakeTime   = 500 * time.Millisecond
	DefaultGracefulRestart = 30 * time.Second
	DefaultNegotiateHold   = 5 * time.Second

	// Restarting hellos sent per interface on graceful shutdown.
	GracefulRestartHellos = 3

	DefaultKvTTL          = 5 * time.Minute
	DefaultFloodPerSec    = 1024
	DefaultFloodBurst     = 2048
	DefaultSyncMinBackoff = 500 * time.Millisecond
	DefaultSyncMaxBackoff = 8 * time.Second
	DefaultSyncTimeout    = 5 * time.Second
	DefaultRPCTimeout     = 30 * time.Second

	DefaultSpfMinDelay = 10 * time.Millisecond
	DefaultSpfMaxDelay = 500 * time.Millisecond

	DefaultReconcileInterval = 60 * time.Second
	DefaultFibRetryMin       = 200 * time.Millisecond
	DefaultFibRetryMax       = 10 * time.Second

	DefaultLinkBackoffMin  = 1 * time.Second
	DefaultLinkBackoffMax  = 60 * time.Second
	DefaultAdjHolddown     = 250 * time.Millisecond
	DefaultPrefixHolddown  = 250 * time.Millisecond
	DefaultFlushInterval   = 30 * time.Second

	// Adjacency segment label range.
	DefaultAdjLabelBase = int32(50000)
	DefaultAdjLabelTop  = int32(59999)

	DefaultMaxHelloPps = 50
)
