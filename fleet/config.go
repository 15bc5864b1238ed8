package fleet

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/mcpfleet/health"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/router"
	"github.com/petal-labs/mcpfleet/session"
	"github.com/petal-labs/mcpfleet/tool"
)

const DefaultSweepInterval = 10 * time.Second

// Config is the `fleet:` section of the fleet file. Zero values fall back to
// the component defaults.
type Config struct {
	MaxProcesses          int           `yaml:"max_processes" json:"max_processes"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HealthProbeTimeout    time.Duration `yaml:"health_probe_timeout" json:"health_probe_timeout"`
	FailureThreshold      int           `yaml:"failure_threshold" json:"failure_threshold"`
	IdleTimeout           time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	HibernationTimeout    time.Duration `yaml:"hibernation_timeout" json:"hibernation_timeout"`
	MaxSessionLifetime    time.Duration `yaml:"max_session_lifetime" json:"max_session_lifetime"`
	SessionPoolSize       int           `yaml:"session_pool_size" json:"session_pool_size"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	SessionAcquireTimeout time.Duration `yaml:"session_acquire_timeout" json:"session_acquire_timeout"`
	SessionSweepInterval  time.Duration `yaml:"session_sweep_interval" json:"session_sweep_interval"`
	// RetryCount is nil when unset so an explicit 0 disables retries.
	RetryCount       *int          `yaml:"retry_count" json:"retry_count"`
	CallTimeout      time.Duration `yaml:"call_timeout" json:"call_timeout"`
	RestartBaseDelay time.Duration `yaml:"restart_base_delay" json:"restart_base_delay"`
	RestartMaxDelay  time.Duration `yaml:"restart_max_delay" json:"restart_max_delay"`
	GracePeriod      time.Duration `yaml:"grace_period" json:"grace_period"`
	AutoStart        *bool         `yaml:"auto_start" json:"auto_start"`
	LogLines         int           `yaml:"log_lines" json:"log_lines"`

	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
}

// DiscoveryConfig controls scheduled rediscovery.
type DiscoveryConfig struct {
	Paths     []string `yaml:"paths" json:"paths,omitempty"`
	Recursive bool     `yaml:"recursive" json:"recursive"`
	// Schedule is a five-field cron expression; empty disables the schedule.
	Schedule string `yaml:"schedule" json:"schedule,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = health.DefaultInterval
	}
	if c.HealthProbeTimeout <= 0 {
		c.HealthProbeTimeout = health.DefaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = health.DefaultFailureThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = session.DefaultIdleTimeout
	}
	if c.HibernationTimeout <= 0 {
		c.HibernationTimeout = session.DefaultHibernationTimeout
	}
	if c.MaxSessionLifetime <= 0 {
		c.MaxSessionLifetime = session.DefaultMaxLifetime
	}
	if c.SessionPoolSize == 0 {
		c.SessionPoolSize = session.DefaultPoolSize
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = session.DefaultMaxSessions
	}
	if c.SessionAcquireTimeout <= 0 {
		c.SessionAcquireTimeout = session.DefaultAcquireTimeout
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = DefaultSweepInterval
	}
	if c.RetryCount == nil {
		retries := router.DefaultRetryCount
		c.RetryCount = &retries
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = router.DefaultCallTimeout
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = process.DefaultRestartBaseDelay
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = process.DefaultRestartMaxDelay
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = process.DefaultGracePeriod
	}
	if c.AutoStart == nil {
		autoStart := true
		c.AutoStart = &autoStart
	}
	if c.LogLines <= 0 {
		c.LogLines = process.DefaultLogLines
	}
	return c
}

// Validate rejects settings no default can repair.
func (c Config) Validate() error {
	switch {
	case c.MaxProcesses < 0:
		return tool.Errorf(tool.KindConfig, "max_processes must not be negative")
	case c.RetryCount != nil && *c.RetryCount < 0:
		return tool.Errorf(tool.KindConfig, "retry_count must not be negative")
	case c.SessionPoolSize < 0:
		return tool.Errorf(tool.KindConfig, "session_pool_size must not be negative")
	case c.RestartMaxDelay > 0 && c.RestartBaseDelay > c.RestartMaxDelay:
		return tool.Errorf(tool.KindConfig, "restart_base_delay %s exceeds restart_max_delay %s", c.RestartBaseDelay, c.RestartMaxDelay)
	}
	if c.Discovery.Schedule != "" {
		if _, err := parseSchedule(c.Discovery.Schedule); err != nil {
			return err
		}
		if len(c.Discovery.Paths) == 0 {
			return tool.Errorf(tool.KindConfig, "discovery.schedule requires discovery.paths")
		}
	}
	return nil
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, tool.NewError(tool.KindConfig, "invalid discovery.schedule", false, err)
	}
	return schedule, nil
}
