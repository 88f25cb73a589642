package config

import "time"

// Config holds client configuration values.
type Config struct {
	APIURL   string `mapstructure:"api_url" yaml:"api_url"`
	WSURL    string `mapstructure:"ws_url" yaml:"ws_url"`
	Token    string `mapstructure:"token" yaml:"token"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	PageSize            int `mapstructure:"page_size" yaml:"page_size"`
	MaxBackfillPages    int `mapstructure:"max_backfill_pages" yaml:"max_backfill_pages"`
	MentionPreviewRunes int `mapstructure:"mention_preview_runes" yaml:"mention_preview_runes"`

	PresenceDebounce      time.Duration `mapstructure:"presence_debounce" yaml:"presence_debounce"`
	MemberRefreshInterval time.Duration `mapstructure:"member_refresh_interval" yaml:"member_refresh_interval"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectMin          time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax          time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	AckRetries            int           `mapstructure:"ack_retries" yaml:"ack_retries"`

	CachePath   string `mapstructure:"cache_path" yaml:"cache_path"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		APIURL:                "http://localhost:8520/api",
		WSURL:                 "ws://localhost:8520/ws/chat",
		LogLevel:              "info",
		PageSize:              20,
		MaxBackfillPages:      10,
		MentionPreviewRunes:   120,
		PresenceDebounce:      500 * time.Millisecond,
		MemberRefreshInterval: time.Minute,
		HeartbeatInterval:     30 * time.Second,
		ReconnectMin:          500 * time.Millisecond,
		ReconnectMax:          30 * time.Second,
		RequestTimeout:        10 * time.Second,
		AckRetries:            3,
		CachePath:             "wirechat-sync.db",
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.APIURL != "" {
		c.APIURL = other.APIURL
	}
	if other.WSURL != "" {
		c.WSURL = other.WSURL
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.PageSize != 0 {
		c.PageSize = other.PageSize
	}
	if other.MaxBackfillPages != 0 {
		c.MaxBackfillPages = other.MaxBackfillPages
	}
	if other.MentionPreviewRunes != 0 {
		c.MentionPreviewRunes = other.MentionPreviewRunes
	}
	if other.PresenceDebounce != 0 {
		c.PresenceDebounce = other.PresenceDebounce
	}
	if other.MemberRefreshInterval != 0 {
		c.MemberRefreshInterval = other.MemberRefreshInterval
	}
	if other.HeartbeatInterval != 0 {
		c.HeartbeatInterval = other.HeartbeatInterval
	}
	if other.ReconnectMin != 0 {
		c.ReconnectMin = other.ReconnectMin
	}
	if other.ReconnectMax != 0 {
		c.ReconnectMax = other.ReconnectMax
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.AckRetries != 0 {
		c.AckRetries = other.AckRetries
	}
	if other.CachePath != "" {
		c.CachePath = other.CachePath
	}
	if other.MetricsAddr != "" {
		c.MetricsAddr = other.MetricsAddr
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.APIURL == "":
		return errMissing("api_url")
	case c.WSURL == "":
		return errMissing("ws_url")
	case c.PageSize <= 0:
		return errNotPositive("page_size")
	case c.MaxBackfillPages <= 0:
		return errNotPositive("max_backfill_pages")
	case c.MentionPreviewRunes <= 0:
		return errNotPositive("mention_preview_runes")
	case c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin:
		return errNotPositive("reconnect_min/reconnect_max")
	}
	return nil
}
