package flow

import (
	"fmt"
	"os"

	"github.com/easzlab/eznat/pkg/nat"
	"go.uber.org/zap"
)

// LoadRulesFile defines every rule in the file at path.
func LoadRulesFile(path string, table *nat.Table, logger *zap.Logger) (LoadStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return LoadStats{}, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer file.Close()

	stats, err := LoadRules(file, table, logger)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", path, err)
	}

	logger.Info("rules loaded",
		zap.String("file", path),
		zap.Int("accepted", stats.Accepted),
		zap.Int("rejected", stats.Rejected),
	)
	return stats, nil
}

// TranslateFile resolves every query in flowsPath and writes the outcomes to
// outputPath, replacing its previous contents.
func TranslateFile(flowsPath, outputPath string, table *nat.Table, logger *zap.Logger) (TranslateStats, error) {
	in, err := os.Open(flowsPath)
	if err != nil {
		return TranslateStats{}, fmt.Errorf("failed to open flows file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return TranslateStats{}, fmt.Errorf("failed to create output file: %w", err)
	}

	stats, err := Translate(in, out, table, logger)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close output file: %w", closeErr)
	}
	if err != nil {
		return stats, fmt.Errorf("%s: %w", flowsPath, err)
	}

	logger.Info("flows translated",
		zap.String("flows", flowsPath),
		zap.String("output", outputPath),
		zap.Int("matched", stats.Matched),
		zap.Int("unmatched", stats.Unmatched),
		zap.Int("invalid", stats.Invalid),
	)
	return stats, nil
}
