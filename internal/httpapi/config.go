package httpapi

import "time"

// Config carries the HTTP façade settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	AuthSigningKey    string
	OracleCentsPerEth int64
	RequestTimeout    time.Duration
	HistoryLimit      int
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 200
)

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

func (cfg Config) historyLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = cfg.HistoryLimit
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit
}
