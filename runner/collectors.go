package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"hostaudit/core"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DefaultCollectors is used when no collectors file exists or it cannot be read.
func DefaultCollectors() []core.Collector {
	return []core.Collector{
		{
			Name:            "win_pwpolicy",
			Script:          "collector/win_pwpolicy_facts.ps1",
			IntervalSeconds: 600,
			Enabled:         true,
			ReplacePrevious: true,
		},
	}
}

// collectorEntry mirrors core.Collector with an optional enabled flag,
// which defaults to true when omitted.
type collectorEntry struct {
	Name            string `json:"name"`
	Script          string `json:"script"`
	IntervalSeconds int    `json:"interval_seconds"`
	Enabled         *bool  `json:"enabled"`
	ReplacePrevious bool   `json:"replace_previous"`
}

type collectorsFile struct {
	Collectors []collectorEntry `json:"collectors"`
}

var validate = validator.New()

// LoadCollectors reads a {"collectors": [...]} file. A missing, unreadable or
// empty file yields DefaultCollectors; individual invalid entries are dropped.
func LoadCollectors(path string, logger *zap.SugaredLogger) []core.Collector {
	if path == "" {
		return DefaultCollectors()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCollectors()
	}
	if err != nil {
		logger.Warnw("Cannot read collectors file, using defaults", "path", path, "error", err)
		return DefaultCollectors()
	}

	cols, err := parseCollectors(data, logger)
	if err != nil {
		logger.Warnw("Invalid collectors file, using defaults", "path", path, "error", err)
		return DefaultCollectors()
	}
	if len(cols) == 0 {
		return DefaultCollectors()
	}
	return cols
}

func parseCollectors(data []byte, logger *zap.SugaredLogger) ([]core.Collector, error) {
	var file collectorsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode collectors: %w", err)
	}

	seen := make(map[string]bool)
	cols := make([]core.Collector, 0, len(file.Collectors))
	for i, e := range file.Collectors {
		c := core.Collector{
			Name:            strings.TrimSpace(e.Name),
			Script:          strings.TrimSpace(e.Script),
			IntervalSeconds: e.IntervalSeconds,
			Enabled:         e.Enabled == nil || *e.Enabled,
			ReplacePrevious: e.ReplacePrevious,
		}
		if err := validate.Struct(c); err != nil {
			logger.Warnw("Skipping invalid collector", "index", i, "name", c.Name, "error", err)
			continue
		}
		if seen[c.Name] {
			logger.Warnw("Skipping duplicate collector", "name", c.Name)
			continue
		}
		seen[c.Name] = true
		cols = append(cols, c)
	}
	return cols, nil
}
