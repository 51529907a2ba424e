//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

const envPrefix = "PIPELINED_"

// config is the daemon configuration file.
type config struct {
	HTTP      httpConfig      `yaml:"http"`
	Postgres  postgresConfig  `yaml:"postgres"`
	Redis     redisConfig     `yaml:"redis"`
	Engine    engineConfig    `yaml:"engine"`
	Sweep     sweepConfig     `yaml:"sweep"`
	Log       logConfig       `yaml:"log"`
	Telemetry telemetryConfig `yaml:"telemetry"`
}

type httpConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
}

// postgresConfig selects the postgres store. An empty DSN keeps every
// record in memory.
type postgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"tablePrefix"`
}

// redisConfig selects the redis lock and step queue. An empty URL uses an
// in-process lock and leaves ASYNC steps without an executor.
type redisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
	// QueueMaxLen bounds each step list.
	QueueMaxLen int64 `yaml:"queueMaxLen"`
}

type engineConfig struct {
	// Workers sizes the start pool. 0 runs starts inline.
	Workers     int           `yaml:"workers"`
	WaiterLease time.Duration `yaml:"waiterLease"`
}

type sweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	Workers    int           `yaml:"workers"`
	Batch      int           `yaml:"batch"`
}

type logConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type telemetryConfig struct {
	// Endpoint is the OTLP collector. Empty disables export.
	Endpoint string `yaml:"endpoint"`
	// Protocol is "grpc" or "http" for traces.
	Protocol string `yaml:"protocol"`
}

func defaultConfig() *config {
	return &config{
		HTTP:   httpConfig{Addr: ":8080", MaxBodyBytes: 1 << 20},
		Engine: engineConfig{Workers: 64, WaiterLease: time.Minute},
		Sweep: sweepConfig{
			Interval:   10 * time.Second,
			StaleAfter: 2 * time.Minute,
			Workers:    8,
			Batch:      100,
		},
		Log:       logConfig{Level: log.LevelInfo},
		Telemetry: telemetryConfig{Protocol: "grpc"},
	}
}

// loadConfig reads path over the defaults and applies environment
// overrides. An empty path reads nothing.
func loadConfig(path string, getenv func(string) string) (*config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PIPELINED_* variables.
func (c *config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("REDIS_URL", &c.Redis.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if v := getenv(envPrefix + "HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	if v := getenv(envPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", envPrefix, err)
		}
		c.Engine.Workers = n
	}
	if v := getenv(envPrefix + "SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSWEEP_INTERVAL: %w", envPrefix, err)
		}
		c.Sweep.Interval = d
	}
	return nil
}

func (c *config) validate() error {
	switch {
	case c.HTTP.Addr == "":
		return errors.New("config: http.addr is required")
	case c.Engine.Workers < 0:
		return errors.New("config: engine.workers must not be negative")
	case c.Sweep.Interval <= 0:
		return errors.New("config: sweep.interval must be positive")
	}
	switch c.Log.Level {
	case log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError, log.LevelFatal:
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
