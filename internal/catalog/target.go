package catalog

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Target is the system a rollout changes: it receives tenant configuration
// and reports whether a tenant is healthy on a version.
type Target interface {
	Apply(ctx context.Context, tenantID, version string, config map[string]string) error
	Verify(ctx context.Context, tenantID, version string) error
}

type deployment struct {
	version string
	config  map[string]string
}

// MemoryTarget keeps the applied configuration per tenant in memory.
type MemoryTarget struct {
	mu       sync.RWMutex
	tenants  map[string]deployment
	rejected map[string]struct{}
	history  map[string][]string
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		tenants:  make(map[string]deployment),
		rejected: make(map[string]struct{}),
		history:  make(map[string][]string),
	}
}

// Reject makes every Apply of version fail.
func (t *MemoryTarget) Reject(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected[version] = struct{}{}
}

func (t *MemoryTarget) Apply(ctx context.Context, tenantID, version string, config map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, bad := t.rejected[version]; bad {
		return fmt.Errorf("tenant %s rejected version %s", tenantID, version)
	}
	t.tenants[tenantID] = deployment{version: version, config: maps.Clone(config)}
	t.history[tenantID] = append(t.history[tenantID], version)
	return nil
}

func (t *MemoryTarget) Verify(ctx context.Context, tenantID, version string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s has nothing deployed", tenantID)
	}
	if d.version != version {
		return fmt.Errorf("tenant %s runs %s, want %s", tenantID, d.version, version)
	}
	return nil
}

// Version returns what tenantID currently runs.
func (t *MemoryTarget) Version(tenantID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.tenants[tenantID]
	return d.version, ok
}

// History lists every version applied to tenantID, oldest first.
func (t *MemoryTarget) History(tenantID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.history[tenantID]...)
}
