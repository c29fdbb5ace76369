// Package lvstest provides an in-memory IPVS handle for tests.
package lvstest

import (
	"fmt"
	"net"
	"sync"

	"github.com/easzlab/eznat/pkg/lvs"
)

// fakeHandle keeps IPVS services and destinations in maps keyed by their
// lvs.ServiceKey and lvs.DestinationKey.
type fakeHandle struct {
	mu           sync.Mutex
	services     map[lvs.ServiceKey]*lvs.Service
	destinations map[lvs.ServiceKey]map[lvs.DestinationKey]*lvs.Destination
}

// NewHandle creates an empty in-memory IPVS handle.
func NewHandle() lvs.IPVSHandle {
	return &fakeHandle{
		services:     make(map[lvs.ServiceKey]*lvs.Service),
		destinations: make(map[lvs.ServiceKey]map[lvs.DestinationKey]*lvs.Destination),
	}
}

func (h *fakeHandle) Close() {}

func (h *fakeHandle) NewService(svc *lvs.Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := lvs.ServiceKeyFromIPVS(svc)
	if _, exists := h.services[key]; exists {
		return fmt.Errorf("service %s already exists", key)
	}

	h.services[key] = cloneService(svc)
	h.destinations[key] = make(map[lvs.DestinationKey]*lvs.Destination)
	return nil
}

func (h *fakeHandle) UpdateService(svc *lvs.Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := lvs.ServiceKeyFromIPVS(svc)
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", key)
	}

	h.services[key] = cloneService(svc)
	return nil
}

func (h *fakeHandle) DelService(svc *lvs.Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := lvs.ServiceKeyFromIPVS(svc)
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", key)
	}

	delete(h.services, key)
	delete(h.destinations, key)
	return nil
}

func (h *fakeHandle) GetServices() ([]*lvs.Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]*lvs.Service, 0, len(h.services))
	for _, svc := range h.services {
		result = append(result, cloneService(svc))
	}
	return result, nil
}

// serviceDestinations returns the destination map of svc. Must be called with h.mu held.
func (h *fakeHandle) serviceDestinations(svc *lvs.Service) (map[lvs.DestinationKey]*lvs.Destination, error) {
	key := lvs.ServiceKeyFromIPVS(svc)
	dstMap, exists := h.destinations[key]
	if !exists {
		return nil, fmt.Errorf("service %s not found", key)
	}
	return dstMap, nil
}

func (h *fakeHandle) NewDestination(svc *lvs.Service, dst *lvs.Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}

	dstKey := lvs.DestinationKeyFromIPVS(dst)
	if _, exists := dstMap[dstKey]; exists {
		return fmt.Errorf("destination %s already exists in service %s", dstKey, lvs.ServiceKeyFromIPVS(svc))
	}

	dstMap[dstKey] = cloneDestination(dst)
	return nil
}

func (h *fakeHandle) UpdateDestination(svc *lvs.Service, dst *lvs.Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}

	dstKey := lvs.DestinationKeyFromIPVS(dst)
	if _, exists := dstMap[dstKey]; !exists {
		return fmt.Errorf("destination %s not found in service %s", dstKey, lvs.ServiceKeyFromIPVS(svc))
	}

	dstMap[dstKey] = cloneDestination(dst)
	return nil
}

func (h *fakeHandle) DelDestination(svc *lvs.Service, dst *lvs.Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}

	dstKey := lvs.DestinationKeyFromIPVS(dst)
	if _, exists := dstMap[dstKey]; !exists {
		return fmt.Errorf("destination %s not found in service %s", dstKey, lvs.ServiceKeyFromIPVS(svc))
	}

	delete(dstMap, dstKey)
	return nil
}

func (h *fakeHandle) GetDestinations(svc *lvs.Service) ([]*lvs.Destination, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return nil, err
	}

	result := make([]*lvs.Destination, 0, len(dstMap))
	for _, dst := range dstMap {
		result = append(result, cloneDestination(dst))
	}
	return result, nil
}

func (h *fakeHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.services = make(map[lvs.ServiceKey]*lvs.Service)
	h.destinations = make(map[lvs.ServiceKey]map[lvs.DestinationKey]*lvs.Destination)
	return nil
}

func cloneService(svc *lvs.Service) *lvs.Service {
	clone := *svc
	clone.Address = cloneIP(svc.Address)
	return &clone
}

func cloneDestination(dst *lvs.Destination) *lvs.Destination {
	clone := *dst
	clone.Address = cloneIP(dst.Address)
	return &clone
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	clone := make(net.IP, len(ip))
	copy(clone, ip)
	return clone
}
