package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/easzlab/eznat/pkg/config"
	"github.com/easzlab/eznat/pkg/flow"
	"github.com/easzlab/eznat/pkg/healthcheck"
	"github.com/easzlab/eznat/pkg/lvs"
	"github.com/easzlab/eznat/pkg/nat"
	"github.com/easzlab/eznat/pkg/snat"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// inputSettle is how long the input files must stay quiet before a watch pass runs.
const inputSettle = 200 * time.Millisecond

// exportOpener opens the kernel-facing managers used by the IPVS export.
type exportOpener func(logger *zap.Logger) (*lvs.Manager, snat.Manager, error)

// openKernelExport opens the platform IPVS handle and the iptables SNAT manager.
func openKernelExport(logger *zap.Logger) (*lvs.Manager, snat.Manager, error) {
	lvsMgr, err := lvs.NewManager(logger.Named("lvs"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize IPVS manager: %w", err)
	}
	snatMgr, err := snat.NewManager(logger.Named("snat"))
	if err != nil {
		lvsMgr.Close()
		return nil, nil, fmt.Errorf("failed to initialize SNAT manager: %w", err)
	}
	return lvsMgr, snatMgr, nil
}

// Server coordinates configuration, the translation table, the flow driver
// and the optional IPVS export.
type Server struct {
	configMgr  *config.Manager
	openExport exportOpener
	level      zap.AtomicLevel
	logger     *zap.Logger

	table atomic.Pointer[nat.Table] // table built by the latest pass

	mu         sync.Mutex // serializes passes and guards the export managers
	lvsMgr     *lvs.Manager
	snatMgr    snat.Manager
	reconciler *lvs.Reconciler
}

// NewServer loads the configuration and returns a ready-to-run Server.
// Kernel resources are opened on the first pass that exports.
// level is adjusted to global.log_level on every pass.
func NewServer(configPath string, flags *pflag.FlagSet, level zap.AtomicLevel, logger *zap.Logger) (*Server, error) {
	return newServer(configPath, flags, level, openKernelExport, logger)
}

// newServer initializes a Server with a custom exportOpener.
// This allows tests to inject in-memory IPVS and SNAT managers.
func newServer(configPath string, flags *pflag.FlagSet, level zap.AtomicLevel,
	openExport exportOpener, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, flags, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	server := &Server{
		configMgr:  configMgr,
		openExport: openExport,
		level:      level,
		logger:     logger,
	}
	server.applyLogLevel(configMgr.GetConfig())

	return server, nil
}

// Config returns the current configuration.
func (s *Server) Config() *config.Config {
	return s.configMgr.GetConfig()
}

// Table returns the table built by the latest pass, or nil before the first pass.
func (s *Server) Table() *nat.Table {
	return s.table.Load()
}

// BuildTable creates a fresh table from the rules file followed by the inline rules.
// Invalid rules are logged and skipped; only I/O failures are returned.
func (s *Server) BuildTable(cfg *config.Config) (*nat.Table, error) {
	logger := s.logger.Named("flow")
	table := nat.NewTable()

	if cfg.Input.RulesFile != "" {
		if _, err := flow.LoadRulesFile(cfg.Input.RulesFile, table, logger); err != nil {
			return nil, err
		}
	}
	if len(cfg.Rules) > 0 {
		stats := flow.DefineRules(cfg.Rules, table, logger)
		logger.Info("inline rules loaded",
			zap.Int("accepted", stats.Accepted),
			zap.Int("rejected", stats.Rejected),
		)
	}

	s.logger.Debug("translation table built", zap.Int("rules", table.Len()))
	return table, nil
}

// RunOnce performs a single translation pass and then shuts down.
func (s *Server) RunOnce() error {
	err := s.runPass(s.configMgr.GetConfig())
	s.shutdown()

	if err != nil {
		return fmt.Errorf("translation pass failed: %w", err)
	}
	return nil
}

// Run performs an initial pass, then re-runs it whenever the config file or
// one of the input files changes, until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	watcher, err := newInputWatcher(s.logger.Named("watch"))
	if err != nil {
		return err
	}
	defer watcher.Close()

	cfg := s.configMgr.GetConfig()
	if err := watcher.Update(cfg.Input.RulesFile, cfg.Input.FlowsFile); err != nil {
		s.logger.Error("failed to watch input files", zap.Error(err))
	}
	s.configMgr.WatchConfig()
	s.logger.Info("watching for changes",
		zap.String("config", s.configMgr.ConfigPath()),
		zap.String("rules", cfg.Input.RulesFile),
		zap.String("flows", cfg.Input.FlowsFile),
	)

	if err := s.runPass(cfg); err != nil {
		s.logger.Error("initial pass failed", zap.Error(err))
	}

	settle := time.NewTimer(inputSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, re-running pass")
			cfg := s.configMgr.GetConfig()
			if err := watcher.Update(cfg.Input.RulesFile, cfg.Input.FlowsFile); err != nil {
				s.logger.Error("failed to watch input files", zap.Error(err))
			}
			if err := s.runPass(cfg); err != nil {
				s.logger.Error("pass after config change failed", zap.Error(err))
			}

		case event, ok := <-watcher.Events():
			if !ok {
				return errors.New("input watcher closed")
			}
			if watcher.Relevant(event) {
				s.logger.Debug("input changed", zap.String("file", event.Name), zap.Stringer("op", event.Op))
				settle.Reset(inputSettle)
			}

		case err, ok := <-watcher.Errors():
			if ok {
				s.logger.Warn("input watcher error", zap.Error(err))
			}

		case <-settle.C:
			s.logger.Info("input change detected, re-running pass")
			if err := s.runPass(s.configMgr.GetConfig()); err != nil {
				s.logger.Error("pass after input change failed", zap.Error(err))
			}

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// Lookup builds the table and writes one outcome line per query to w.
func (s *Server) Lookup(queries []string, w io.Writer) error {
	table, err := s.BuildTable(s.configMgr.GetConfig())
	if err != nil {
		return err
	}
	s.table.Store(table)

	for _, query := range queries {
		if _, err := fmt.Fprintln(w, flow.FormatOutcome(query, table.Translate(query))); err != nil {
			return fmt.Errorf("failed to write lookup result: %w", err)
		}
	}
	return nil
}

// runPass builds a new table, exports it when enabled and translates the flows file.
// An export failure does not stop the translation.
func (s *Server) runPass(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLogLevel(cfg)

	table, err := s.BuildTable(cfg)
	if err != nil {
		return err
	}
	s.table.Store(table)

	exportErr := s.export(cfg.Export, table)
	if exportErr != nil {
		s.logger.Error("export failed", zap.Error(exportErr))
	}

	_, translateErr := flow.TranslateFile(cfg.Input.FlowsFile, cfg.Input.OutputFile, table, s.logger.Named("flow"))

	return errors.Join(exportErr, translateErr)
}

// export programs the concrete rules of table into IPVS. When export is
// disabled, services exported by earlier passes are withdrawn. Must be called with s.mu held.
func (s *Server) export(export config.ExportConfig, table *nat.Table) error {
	if !export.Enabled {
		if s.reconciler == nil {
			return nil
		}
		s.logger.Info("export disabled, withdrawing exported services")
		s.reconciler.UpdateExport(export, nil)
		err := s.reconciler.Reconcile(nil)
		if cleanupErr := s.snatMgr.Cleanup(); cleanupErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to clean up SNAT chain: %w", cleanupErr))
		}
		s.closeExport()
		return err
	}

	if s.reconciler == nil {
		lvsMgr, snatMgr, err := s.openExport(s.logger)
		if err != nil {
			return err
		}
		s.lvsMgr = lvsMgr
		s.snatMgr = snatMgr
		s.reconciler = lvs.NewReconciler(lvsMgr, export, nil, snatMgr, s.logger.Named("reconciler"))
	}

	s.reconciler.UpdateExport(export, probeFor(export))
	return s.reconciler.Reconcile(table.Rules())
}

// probeFor returns the destination probe for export, or nil when probing is off.
func probeFor(export config.ExportConfig) healthcheck.Checker {
	if !export.Probe.Enabled {
		return nil
	}
	return healthcheck.NewChecker(export.Protocol, export.Probe.GetTimeout())
}

// applyLogLevel sets the shared log level from cfg.
func (s *Server) applyLogLevel(cfg *config.Config) {
	level, err := zapcore.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return
	}
	if s.level.Level() != level {
		s.level.SetLevel(level)
	}
}

// shutdown releases the kernel handles opened for export.
// Exported services and SNAT rules are left in place.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeExport()
	s.logger.Info("server stopped")
}

// closeExport releases the export managers. Must be called with s.mu held.
func (s *Server) closeExport() {
	if s.lvsMgr != nil {
		s.lvsMgr.Close()
	}
	s.lvsMgr = nil
	s.snatMgr = nil
	s.reconciler = nil
}
