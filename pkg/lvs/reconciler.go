package lvs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/easzlab/eznat/pkg/config"
	"github.com/easzlab/eznat/pkg/healthcheck"
	"github.com/easzlab/eznat/pkg/nat"
	"github.com/easzlab/eznat/pkg/snat"
	"go.uber.org/zap"
)

// Reconciler programs the concrete rules of a translation table into IPVS,
// one virtual service with a single masqueraded destination per rule.
type Reconciler struct {
	manager *Manager
	export  config.ExportConfig
	checker healthcheck.Checker
	snatMgr snat.Manager
	logger  *zap.Logger
	managed map[ServiceKey]*Service // services created by this Reconciler
	mu      sync.Mutex
}

// NewReconciler creates a new Reconciler. checker is consulted only when
// export.Probe is enabled and snatMgr only when export.SNAT is enabled; either
// may be nil otherwise.
func NewReconciler(manager *Manager, export config.ExportConfig, checker healthcheck.Checker,
	snatMgr snat.Manager, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		manager: manager,
		export:  export,
		checker: checker,
		snatMgr: snatMgr,
		logger:  logger,
		managed: make(map[ServiceKey]*Service),
	}
}

// UpdateExport replaces the export settings and probe used by later passes.
func (r *Reconciler) UpdateExport(export config.ExportConfig, checker healthcheck.Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.export = export
	r.checker = checker
}

// desiredService holds the IPVS service and destination derived from one rule.
type desiredService struct {
	service     *Service
	destination *Destination
	rule        nat.Rule
}

// Reconcile brings IPVS in line with rules: missing services are created,
// changed destinations are replaced, and services created earlier but no
// longer desired are removed.
func (r *Reconciler) Reconcile(rules []nat.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("starting export", zap.Int("rules", len(rules)))

	desiredMap, err := r.buildDesiredState(rules)
	if err != nil {
		return fmt.Errorf("failed to build desired state: %w", err)
	}

	actualServices, err := r.manager.GetServices()
	if err != nil {
		return fmt.Errorf("failed to get current IPVS services: %w", err)
	}

	// Existing kernel services matching a desired key are adopted, so a restart
	// does not fail on services left behind by a previous run.
	actualMap := make(map[ServiceKey]*Service)
	for _, svc := range actualServices {
		key := ServiceKeyFromIPVS(svc)
		if _, desired := desiredMap[key]; desired || r.managed[key] != nil {
			actualMap[key] = svc
		}
	}

	var reconcileErrors []error

	for key, desired := range desiredMap {
		actual, exists := actualMap[key]
		if !exists {
			if err := r.manager.CreateService(desired.service); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("create service %s: %w", key, err))
				continue
			}
		} else if actual.SchedName != desired.service.SchedName {
			if err := r.manager.UpdateService(desired.service); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("update service %s: %w", key, err))
				continue
			}
		}
		r.managed[key] = desired.service

		if err := r.reconcileDestination(desired); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}

	for key, actual := range actualMap {
		if _, exists := desiredMap[key]; exists {
			continue
		}
		if err := r.manager.DeleteService(actual); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete service %s: %w", key, err))
			continue
		}
		delete(r.managed, key)
	}

	if err := r.reconcileSNAT(desiredMap); err != nil {
		reconcileErrors = append(reconcileErrors, err)
	}

	if len(reconcileErrors) > 0 {
		r.logger.Error("export completed with errors", zap.Int("error_count", len(reconcileErrors)))
		return errors.Join(reconcileErrors...)
	}

	r.logger.Info("export completed successfully", zap.Int("services", len(desiredMap)))
	return nil
}

// buildDesiredState converts exportable rules into IPVS services, skipping
// wildcard rules and, when probing is enabled, unreachable destinations.
func (r *Reconciler) buildDesiredState(rules []nat.Rule) (map[ServiceKey]*desiredService, error) {
	result := make(map[ServiceKey]*desiredService)

	for _, rule := range rules {
		if !Exportable(rule) {
			r.logger.Debug("skipping wildcard rule", zap.Stringer("rule", rule))
			continue
		}

		destination := DestinationForRule(rule)
		if r.export.Probe.Enabled && r.checker != nil {
			if err := r.checker.Check(DestinationKeyFromIPVS(destination).String()); err != nil {
				r.logger.Warn("skipping unreachable destination",
					zap.Stringer("rule", rule),
					zap.Error(err),
				)
				continue
			}
		}

		svc, err := ServiceForRule(rule, r.export.Protocol, r.export.Scheduler)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule, err)
		}

		key := ServiceKeyFromIPVS(svc)
		if previous, exists := result[key]; exists {
			r.logger.Warn("rules map to the same IPVS service, exporting the later one",
				zap.Stringer("service", key),
				zap.Stringer("dropped", previous.rule),
				zap.Stringer("exported", rule),
			)
		}
		result[key] = &desiredService{
			service:     svc,
			destination: destination,
			rule:        rule,
		}
	}

	return result, nil
}

// reconcileDestination makes the service's only destination the desired one.
func (r *Reconciler) reconcileDestination(desired *desiredService) error {
	svcKey := ServiceKeyFromIPVS(desired.service)

	actualDests, err := r.manager.GetDestinations(desired.service)
	if err != nil {
		return fmt.Errorf("get destinations for %s: %w", svcKey, err)
	}

	desiredKey := DestinationKeyFromIPVS(desired.destination)
	var reconcileErrors []error
	found := false

	for _, actual := range actualDests {
		if DestinationKeyFromIPVS(actual) == desiredKey {
			found = true
			if actual.Weight != desired.destination.Weight {
				if err := r.manager.UpdateDestination(desired.service, desired.destination); err != nil {
					reconcileErrors = append(reconcileErrors, fmt.Errorf("update destination %s: %w", desiredKey, err))
				}
			}
			continue
		}
		if err := r.manager.DeleteDestination(desired.service, actual); err != nil {
			reconcileErrors = append(reconcileErrors,
				fmt.Errorf("delete destination %s: %w", DestinationKeyFromIPVS(actual), err))
		}
	}

	if !found {
		if err := r.manager.CreateDestination(desired.service, desired.destination); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("create destination %s: %w", desiredKey, err))
		}
	}

	return errors.Join(reconcileErrors...)
}

// reconcileSNAT syncs source NAT rules for every exported destination.
func (r *Reconciler) reconcileSNAT(desiredMap map[ServiceKey]*desiredService) error {
	if r.snatMgr == nil {
		return nil
	}

	var desired []snat.SNATRule
	if r.export.SNAT.Enabled {
		for _, svc := range desiredMap {
			desired = append(desired, snat.RuleFor(svc.rule, r.export.Protocol, r.export.SNAT.SnatIP))
		}
	}

	if err := r.snatMgr.Reconcile(desired); err != nil {
		return fmt.Errorf("reconcile SNAT rules: %w", err)
	}
	return nil
}

// Managed returns the keys of the services this Reconciler has programmed.
func (r *Reconciler) Managed() []ServiceKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]ServiceKey, 0, len(r.managed))
	for key := range r.managed {
		keys = append(keys, key)
	}
	return keys
}
