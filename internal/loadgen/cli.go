package loadgen

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/okian/verdict/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging sends logs to stdout and, when logFile is set, to that file.
func SetupLogging(logFile string, verbose bool) error {
	opts := []logger.Option{}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		opts = append(opts, logger.WithWriter(io.MultiWriter(os.Stdout, f)))
	}
	if err := logger.Init(opts...); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ParseCriteria reads "id=weight,id=weight". A bare id weighs 1.
func ParseCriteria(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, w, found := strings.Cut(part, "=")
		weight := 1.0
		if found {
			v, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("criterion %q: bad weight %q", id, w)
			}
			weight = v
		}
		out[strings.TrimSpace(id)] = weight
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no criteria given")
	}
	return out, nil
}

// ParseList splits a comma separated list, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ShowHelp prints usage information.
func ShowHelp() {
	os.Stdout.WriteString(`verdict load generator
======================

Submits concurrent public votes to a running service and checks the
resulting ranking against totals computed locally.

Usage:
  loadgen [options]

Options:
  -url string            base URL of the service (default "http://localhost:9080")
  -competition string    competition id (default "c1")
  -rubric string         rubric id (default "r1")
  -criteria string       criteria with weights, e.g. "tech=2,style=1"
  -max float             criterion max score (default 10)
  -participants string   comma separated participant ids
  -voters int            distinct public voters (default 500)
  -submissions int       votes to send (default 10000)
  -workers int           concurrent workers (default CPU cores * 2)
  -top int               ranked entries to fetch (default 50)
  -timeout duration      HTTP request timeout (default 30s)
  -settle duration       wait before reading the ranking (default 2s)
  -output string         write generated votes to this JSON file
  -log string            also log to this file
  -verbose               progress and debug logs
  -help                  show this help
`)
}
