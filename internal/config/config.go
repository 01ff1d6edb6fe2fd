package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

const (
	BackendLease  = "lease"
	BackendStream = "stream"
)

type Config struct {
	Redis    Redis
	Queue    Queue
	Listener Listener
	Systems  Systems
}

type Redis struct {
	Addr      string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB"`
	KeyPrefix string `env:"Redis_KeyPrefix" envDefault:"transferq"`
}

type Queue struct {
	Backend             string        `env:"Queue_Backend" envDefault:"lease"`
	Scope               string        `env:"Queue_Scope" envDefault:"transfers"`
	Subject             string        `env:"Queue_Subject" envDefault:"transfertask.lifecycle"`
	NotificationSubject string        `env:"Queue_NotificationSubject" envDefault:"transfertask.notifications"`
	ConsumerGroup       string        `env:"Queue_ConsumerGroup" envDefault:"transfer-listeners"`
	ConsumerName        string        `env:"Queue_ConsumerName" envDefault:"listener-1"`
	LeaseTTR            time.Duration `env:"Queue_LeaseTTR" envDefault:"60s"`
	PollInterval        time.Duration `env:"Queue_PollInterval" envDefault:"100ms"`
	ReserveTimeout      time.Duration `env:"Queue_ReserveTimeout" envDefault:"5s"`
	DedupWindow         time.Duration `env:"Queue_DedupWindow" envDefault:"2m"`
	ClaimIdle           time.Duration `env:"Queue_ClaimIdle" envDefault:"60s"`
	SchedulerInterval   time.Duration `env:"Queue_SchedulerInterval" envDefault:"1s"`
}

type Listener struct {
	MaxConflictRetries int           `env:"Listener_MaxConflictRetries" envDefault:"5"`
	BaseBackoff        time.Duration `env:"Listener_BaseBackoff" envDefault:"500ms"`
	MaxBackoff         time.Duration `env:"Listener_MaxBackoff" envDefault:"30s"`
	DefaultTenant      string        `env:"Listener_DefaultTenant" envDefault:"default"`
}

type Systems struct {
	// Unavailable lists endpoint systems (scheme://host) that are down or
	// under maintenance.
	Unavailable []string `env:"Systems_Unavailable" envSeparator:","`
}

// Parse reads an optional .env file and then the process environment.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case BackendLease, BackendStream:
	default:
		return fmt.Errorf("unknown queue backend %q (want %q or %q)", c.Queue.Backend, BackendLease, BackendStream)
	}
	if c.Queue.Scope == "" || c.Queue.Subject == "" {
		return errors.New("queue scope and subject are required")
	}
	if c.Listener.MaxConflictRetries < 0 {
		return errors.New("listener max conflict retries must not be negative")
	}
	return nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}

	return c
}
