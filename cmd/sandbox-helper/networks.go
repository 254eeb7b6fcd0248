//go:build darwin

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/network"
	"github.com/hyperbox/sandboxd/pkg/sandbox"
)

// networkEntity is the persisted shape of one network's addressing,
// written to <root>/networks/<name>/entity.json by the network service
// (out of scope here; this helper only reads what it finds).
type networkEntity struct {
	Name       string `json:"name"`
	Subnet     string `json:"subnet"`
	GatewayIP  string `json:"gatewayIP"`
	GatewayMAC string `json:"gatewayMAC"`
}

// networkRegistry resolves a container's configured network names to a
// live pkg/network.Driver, constructing and caching each Driver the
// first time it's asked for, since a Driver owns a live userspace
// gateway that should not be rebuilt per call.
type networkRegistry struct {
	root string

	mu      sync.Mutex
	drivers map[string]*network.Driver
}

func newNetworkRegistry(root string) *networkRegistry {
	return &networkRegistry{root: root, drivers: make(map[string]*network.Driver)}
}

// Attacher implements sandbox.Networks.
func (r *networkRegistry) Attacher(name string) (sandbox.NetworkAttacher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.drivers[name]; ok {
		return d, nil
	}

	path := filepath.Join(r.root, "networks", name, "entity.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.NotFound, "read network "+name, err)
	}
	var entity networkEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "decode network "+name, err)
	}

	d, err := network.New(network.Config{
		Name:       entity.Name,
		Subnet:     entity.Subnet,
		GatewayIP:  entity.GatewayIP,
		GatewayMAC: entity.GatewayMAC,
	})
	if err != nil {
		return nil, err
	}
	r.drivers[name] = d
	return d, nil
}
