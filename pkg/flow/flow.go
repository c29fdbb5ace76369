package flow

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/easzlab/eznat/pkg/nat"
	"go.uber.org/zap"
)

// LoadStats counts the outcome of rule ingestion.
type LoadStats struct {
	Accepted int
	Rejected int
}

// TranslateStats counts the outcome of query processing.
type TranslateStats struct {
	Matched   int
	Unmatched int
	Invalid   int
}

// Total returns the number of queries processed.
func (s TranslateStats) Total() int {
	return s.Matched + s.Unmatched + s.Invalid
}

// LoadRules defines every non-empty line of r as a rule in table.
// Invalid rules are logged and skipped; only read errors are returned.
func LoadRules(r io.Reader, table *nat.Table, logger *zap.Logger) (LoadStats, error) {
	var stats LoadStats

	err := eachLine(r, func(line string) error {
		res := table.DefineRule(line)
		if res.Status != nat.OK {
			stats.Rejected++
			logger.Warn("invalid rule",
				zap.String("rule", line),
				zap.Error(res.Err),
			)
			return nil
		}
		stats.Accepted++
		logger.Debug("rule defined", zap.String("rule", line))
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to read rules: %w", err)
	}

	return stats, nil
}

// DefineRules defines each entry of rules, skipping empty entries.
func DefineRules(rules []string, table *nat.Table, logger *zap.Logger) LoadStats {
	// The reader never fails, so neither does LoadRules.
	stats, _ := LoadRules(strings.NewReader(strings.Join(rules, "\n")), table, logger)
	return stats
}

// Translate resolves every non-empty line of r against table and writes one
// outcome line per query to w.
func Translate(r io.Reader, w io.Writer, table *nat.Table, logger *zap.Logger) (TranslateStats, error) {
	var stats TranslateStats
	out := bufio.NewWriter(w)

	err := eachLine(r, func(query string) error {
		res := table.Translate(query)
		switch res.Status {
		case nat.OK:
			stats.Matched++
		case nat.NoMatch:
			stats.Unmatched++
		default:
			stats.Invalid++
			logger.Debug("invalid query", zap.String("query", query), zap.Error(res.Err))
		}

		if _, err := fmt.Fprintln(out, FormatOutcome(query, res)); err != nil {
			return fmt.Errorf("failed to write outcome: %w", err)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := out.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush output: %w", err)
	}
	return stats, nil
}

// FormatOutcome renders the output line for a query.
func FormatOutcome(query string, res nat.Result) string {
	switch res.Status {
	case nat.OK:
		return query + " -> " + res.Destination.Key()
	case nat.NoMatch:
		return "No nat match for " + query
	default:
		return "query " + query + " format is incorrect"
	}
}

// eachLine calls fn for every non-empty line of r, without a trailing "\r".
// Lines are read whole regardless of length.
func eachLine(r io.Reader, fn func(line string) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}

		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line != "" {
			if fnErr := fn(line); fnErr != nil {
				return fnErr
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}
