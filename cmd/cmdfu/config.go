package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	tool            string
	image           string
	retries         int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	discoverWait    time.Duration

	action   string
	toolArgs []string
}

const usage = `cmdfu [flags] <action> [tool flags]

Actions
    update       Perform a firmware update (--tool and --image required)
    client-info  Get MDFU client information (--tool required)
    tools-help   Show per-tool parameters
    discover     Browse the local network for MDFU tools

Usage examples

    Update firmware through a serial port with update_image.img
    cmdfu --tool serial --image update_image.img update --port /dev/ttyACM0 --baudrate 115200
`

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	tool := flag.String("tool", "", "Tool to communicate with the client: serial|network|spidev|i2cdev")
	image := flag.String("image", "", "Firmware update image file")
	retries := flag.Int("retries", 5, "Per-command transaction attempt budget")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, log metrics counters when the action finishes and at this interval")
	discoverWait := flag.Duration("discover-wait", 3*time.Second, "How long the discover action browses for tools")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.tool = *tool
	cfg.image = *image
	cfg.retries = *retries
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.discoverWait = *discoverWait

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if args := flag.Args(); len(args) > 0 {
		cfg.action = args[0]
		cfg.toolArgs = args[1:]
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.action {
	case "update", "client-info", "tools-help", "discover":
	case "":
		return errors.New("no action given (use update|client-info|tools-help|discover)")
	default:
		return fmt.Errorf("invalid action: %s", c.action)
	}
	if c.retries <= 0 {
		return fmt.Errorf("retries must be > 0 (got %d)", c.retries)
	}
	if c.discoverWait <= 0 {
		return fmt.Errorf("discover-wait must be > 0")
	}
	switch c.action {
	case "update":
		if c.tool == "" {
			return errors.New("update requires --tool")
		}
		if c.image == "" {
			return errors.New("update requires --image")
		}
	case "client-info":
		if c.tool == "" {
			return errors.New("client-info requires --tool")
		}
	}
	return nil
}

// applyEnvOverrides maps CMDFU_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["tool"]; !ok {
		if v, ok := get("CMDFU_TOOL"); ok && v != "" {
			c.tool = v
		}
	}
	if _, ok := set["image"]; !ok {
		if v, ok := get("CMDFU_IMAGE"); ok && v != "" {
			c.image = v
		}
	}
	if _, ok := set["retries"]; !ok {
		if v, ok := get("CMDFU_RETRIES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.retries = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CMDFU_RETRIES: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CMDFU_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CMDFU_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CMDFU_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CMDFU_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CMDFU_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["discover-wait"]; !ok {
		if v, ok := get("CMDFU_DISCOVER_WAIT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.discoverWait = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CMDFU_DISCOVER_WAIT: %w", err)
			}
		}
	}
	return firstErr
}
