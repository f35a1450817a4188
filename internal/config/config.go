// Package config parses and validates the gateway's CLI arguments and
// tunables: the two required positional arguments (port, max_conn) plus
// optional flags for the remaining knobs (timeouts, thresholds, paths).
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensorgateway/gateway/internal/datamgr"
)

const (
	minPort    = 1
	maxPort    = 65535
	minMaxConn = 1
	maxMaxConn = 1_000_000

	DefaultIdleTimeout = 5 * time.Second
	DefaultTMin        = 10.0
	DefaultTMax        = 20.0
	DefaultCSVPath     = "data.csv"
	DefaultMapPath     = "room_sensor.map"
	DefaultLogPath     = "gateway.log"
	DefaultMetricsAddr = ":9090"
)

// Config holds the gateway's fully parsed and validated configuration.
type Config struct {
	Port    int
	MaxConn int

	IdleTimeout time.Duration
	Thresholds  datamgr.Thresholds

	CSVPath     string
	MapPath     string
	LogPath     string
	MetricsAddr string
	Verbose     bool
}

// Flags registers the optional tunables as flags on cmd. Port and
// max_conn are not flags: they are the two required positional
// arguments.
func (c *Config) Flags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&c.IdleTimeout, "idle-timeout", DefaultIdleTimeout, "per-field idle read timeout (T_IDLE)")
	cmd.Flags().Float64Var(&c.Thresholds.Min, "t-min", DefaultTMin, "lower comfort threshold (T_MIN)")
	cmd.Flags().Float64Var(&c.Thresholds.Max, "t-max", DefaultTMax, "upper comfort threshold (T_MAX)")
	cmd.Flags().StringVar(&c.CSVPath, "csv-path", DefaultCSVPath, "path to the CSV sink file")
	cmd.Flags().StringVar(&c.MapPath, "map-path", DefaultMapPath, "path to the room/sensor map file")
	cmd.Flags().StringVar(&c.LogPath, "log-path", DefaultLogPath, "path to the sensor-event log file")
	cmd.Flags().StringVar(&c.MetricsAddr, "metrics-addr", DefaultMetricsAddr, "address to serve Prometheus metrics on")
	cmd.Flags().BoolVar(&c.Verbose, "verbose", false, "log a success event for every CSV insertion")
}

// ParsePositional validates and stores the <port> <max_conn> positional
// arguments. args must already have been checked by cobra.ExactArgs(2).
func (c *Config) ParsePositional(args []string) error {
	port, err := parseIntInRange(args[0], minPort, maxPort, "port")
	if err != nil {
		return err
	}
	maxConn, err := parseIntInRange(args[1], minMaxConn, maxMaxConn, "max_conn")
	if err != nil {
		return err
	}

	if c.Thresholds.Min >= c.Thresholds.Max {
		return fmt.Errorf("config: t-min (%g) must be less than t-max (%g)", c.Thresholds.Min, c.Thresholds.Max)
	}

	c.Port = port
	c.MaxConn = maxConn
	return nil
}

func parseIntInRange(s string, min, max int, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %q", name, s)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("config: %s must be in %d..%d, got %d", name, min, max, n)
	}
	return n, nil
}
