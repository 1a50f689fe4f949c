package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type CLIConfig struct {
	ConfigFile string

	Port       int
	PageURL    string
	IntervalMS int
	TimeoutMS  int
	MaxBodyKB  int
	LogLevel   string

	MissingMetrics string

	Publisher bool
	DataDir   string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	ClickHouseEnabled bool
	CHHost            string
	CHPort            int
	CHUser            string
	CHPass            string
	CHDB              string
	CHSecure          bool
	CHAsyncInsert     int
	CHBatchSize       int
	CHFlushMS         int
}

func (c CLIConfig) Interval() time.Duration { return time.Duration(c.IntervalMS) * time.Millisecond }
func (c CLIConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutMS) * time.Millisecond }

// Validate catches values that would make the service misbehave silently.
func (c CLIConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.IntervalMS <= 0 {
		return fmt.Errorf("interval-ms must be > 0")
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout-ms must be > 0")
	}
	if c.TimeoutMS > c.IntervalMS {
		return fmt.Errorf("timeout-ms (%d) must not exceed interval-ms (%d)", c.TimeoutMS, c.IntervalMS)
	}
	if _, err := ParseMissingMetricsPolicy(c.MissingMetrics); err != nil {
		return err
	}
	if c.Publisher && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data-dir required when the publisher is enabled")
	}
	if c.MQTTBroker != "" && strings.TrimSpace(c.MQTTTopic) == "" {
		return fmt.Errorf("mqtt-topic required when mqtt-broker is set")
	}
	return nil
}

// DefaultPageURL points the poller at the page this process serves itself.
func DefaultPageURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/display/index.html", port)
}

// FileConfig mirrors the flags in YAML. Pointer fields distinguish "absent"
// from zero values.
type FileConfig struct {
	Port           *int    `yaml:"port"`
	PageURL        *string `yaml:"page_url"`
	IntervalMS     *int    `yaml:"interval_ms"`
	TimeoutMS      *int    `yaml:"timeout_ms"`
	MaxBodyKB      *int    `yaml:"max_body_kb"`
	LogLevel       *string `yaml:"log_level"`
	MissingMetrics *string `yaml:"missing_metrics"`
	Publisher      *bool   `yaml:"publisher"`
	DataDir        *string `yaml:"data_dir"`

	MQTT struct {
		Broker   *string `yaml:"broker"`
		Topic    *string `yaml:"topic"`
		ClientID *string `yaml:"client_id"`
	} `yaml:"mqtt"`

	ClickHouse struct {
		Enabled     *bool   `yaml:"enabled"`
		Host        *string `yaml:"host"`
		Port        *int    `yaml:"port"`
		User        *string `yaml:"user"`
		Pass        *string `yaml:"pass"`
		DB          *string `yaml:"db"`
		Secure      *bool   `yaml:"secure"`
		AsyncInsert *int    `yaml:"async_insert"`
		BatchSize   *int    `yaml:"batch_size"`
		FlushMS     *int    `yaml:"flush_ms"`
	} `yaml:"clickhouse"`
}

func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// ApplyTo copies file values into cfg for every flag not set on the command
// line. explicit holds flag names as registered with the flag package.
func (fc FileConfig) ApplyTo(cfg *CLIConfig, explicit map[string]bool) {
	setInt := func(name string, dst *int, v *int) {
		if v != nil && !explicit[name] {
			*dst = *v
		}
	}
	setStr := func(name string, dst *string, v *string) {
		if v != nil && !explicit[name] {
			*dst = *v
		}
	}
	setBool := func(name string, dst *bool, v *bool) {
		if v != nil && !explicit[name] {
			*dst = *v
		}
	}

	setInt("port", &cfg.Port, fc.Port)
	setStr("page-url", &cfg.PageURL, fc.PageURL)
	setInt("interval-ms", &cfg.IntervalMS, fc.IntervalMS)
	setInt("timeout-ms", &cfg.TimeoutMS, fc.TimeoutMS)
	setInt("max-body-kb", &cfg.MaxBodyKB, fc.MaxBodyKB)
	setStr("log-level", &cfg.LogLevel, fc.LogLevel)
	setStr("missing-metrics", &cfg.MissingMetrics, fc.MissingMetrics)
	setBool("publisher", &cfg.Publisher, fc.Publisher)
	setStr("data-dir", &cfg.DataDir, fc.DataDir)

	setStr("mqtt-broker", &cfg.MQTTBroker, fc.MQTT.Broker)
	setStr("mqtt-topic", &cfg.MQTTTopic, fc.MQTT.Topic)
	setStr("mqtt-client-id", &cfg.MQTTClientID, fc.MQTT.ClientID)

	setBool("clickhouse", &cfg.ClickHouseEnabled, fc.ClickHouse.Enabled)
	setStr("ch-host", &cfg.CHHost, fc.ClickHouse.Host)
	setInt("ch-port", &cfg.CHPort, fc.ClickHouse.Port)
	setStr("ch-user", &cfg.CHUser, fc.ClickHouse.User)
	setStr("ch-pass", &cfg.CHPass, fc.ClickHouse.Pass)
	setStr("ch-db", &cfg.CHDB, fc.ClickHouse.DB)
	setBool("ch-secure", &cfg.CHSecure, fc.ClickHouse.Secure)
	setInt("ch-async-insert", &cfg.CHAsyncInsert, fc.ClickHouse.AsyncInsert)
	setInt("ch-batch-size", &cfg.CHBatchSize, fc.ClickHouse.BatchSize)
	setInt("ch-flush-ms", &cfg.CHFlushMS, fc.ClickHouse.FlushMS)
}

func envString(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}
