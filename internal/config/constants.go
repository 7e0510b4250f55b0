package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Session clock warning thresholds
const (
	FirstWarningBefore = 5 * time.Minute
	FinalWarningBefore = 1 * time.Minute
)

// Extension limits
const MaxExtensionMinutes = 60

// Background jobs
const (
	SweepTimeout          = 30 * time.Second
	ChargeRequeueAfter    = 1 * time.Minute
	BillingRetryInterval  = 30 * time.Second
	BillingRetryBaseDelay = 1 * time.Minute
	BillingMaxAttempts    = 6
	PaymentGatewayTimeout = 10 * time.Second
)

// Default rate limiting
const DefaultRateLimitPerMin = 120

// Event stream settings
const (
	SSEHeartbeatInterval = 30 * time.Second
	EventSeenSetSize     = 1024
)
