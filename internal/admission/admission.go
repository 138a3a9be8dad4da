// Package admission keeps at most one active task per tenant inside this process,
// optionally backed by a distributed lock for multi-node deployments.
package admission

import (
	"context"
	"fmt"
	"sync"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode selects the lock granularity.
type Mode string

const (
	// ModeFine uses one slot per tenant.
	ModeFine Mode = "fine"
	// ModeCoarse uses a single slot shared by every tenant.
	ModeCoarse Mode = "coarse"
)

const globalKey = "*"

// ParseMode maps a config value to a Mode; empty means fine.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFine:
		return ModeFine, nil
	case ModeCoarse:
		return ModeCoarse, nil
	default:
		return "", fmt.Errorf("unknown admission mode %q", s)
	}
}

type holder struct {
	tenantID string
	taskID   string
}

// Controller is the in-process tenant registry.
type Controller struct {
	mode   Mode
	node   string
	slots  sync.Map // key -> holder
	lock   ports.TenantLock
	logger zerolog.Logger
}

type Option func(*Controller)

// WithDistributedLock layers a cross-process lock behind the local slot.
func WithDistributedLock(lock ports.TenantLock) Option {
	return func(c *Controller) { c.lock = lock }
}

// WithNodeID names this process in distributed lock owners. Defaults to a random id.
func WithNodeID(id string) Option {
	return func(c *Controller) { c.node = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func New(mode Mode, opts ...Option) *Controller {
	if mode == "" {
		mode = ModeFine
	}
	c := &Controller{
		mode:   mode,
		node:   uuid.NewString(),
		logger: log.With().Str("component", "admission").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Mode() Mode { return c.mode }

// owner is the distributed lock owner for taskID on this node. Two nodes
// running stale copies of one task never share it.
func (c *Controller) owner(taskID string) string {
	return c.node + ":" + taskID
}

func (c *Controller) key(tenantID string) string {
	if c.mode == ModeCoarse {
		return globalKey
	}
	return tenantID
}

// TryAcquire claims the tenant for taskID. It succeeds when the slot is free
// or already held by the same task.
func (c *Controller) TryAcquire(ctx context.Context, tenantID, taskID string) bool {
	key := c.key(tenantID)
	h := holder{tenantID: tenantID, taskID: taskID}

	actual, loaded := c.slots.LoadOrStore(key, h)
	if loaded {
		return actual.(holder) == h
	}

	if c.lock == nil {
		return true
	}
	ok, err := c.lock.Acquire(ctx, tenantID, c.owner(taskID))
	if err != nil || !ok {
		c.slots.CompareAndDelete(key, h)
		ev := c.logger.Warn().Str("tenant_id", tenantID).Str("task_id", taskID)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("distributed tenant lock not acquired")
		return false
	}
	return true
}

// Release frees the tenant if taskID holds it. Releasing a slot held by
// another task, or an already free slot, is a no-op.
func (c *Controller) Release(ctx context.Context, tenantID, taskID string) {
	if !c.slots.CompareAndDelete(c.key(tenantID), holder{tenantID: tenantID, taskID: taskID}) {
		return
	}
	if c.lock == nil {
		return
	}
	if err := c.lock.Release(ctx, tenantID, c.owner(taskID)); err != nil {
		c.logger.Error().Err(err).Str("tenant_id", tenantID).Str("task_id", taskID).
			Msg("failed to release distributed tenant lock")
	}
}

// ReleaseTenant frees the tenant whoever holds it. Meant for operators
// clearing a stuck slot.
func (c *Controller) ReleaseTenant(ctx context.Context, tenantID string) {
	taskID, ok := c.RunningTaskID(tenantID)
	if !ok {
		return
	}
	c.Release(ctx, tenantID, taskID)
}

// RunningTaskID returns the task currently holding tenantID.
func (c *Controller) RunningTaskID(tenantID string) (string, bool) {
	v, ok := c.slots.Load(c.key(tenantID))
	if !ok {
		return "", false
	}
	h := v.(holder)
	if h.tenantID != tenantID {
		return "", false
	}
	return h.taskID, true
}

// Lease is a held admission slot that can be released exactly once.
type Lease struct {
	admission ports.TenantAdmission
	tenantID  string
	taskID    string
	once      sync.Once
}

// Acquire claims the tenant and returns a Lease, or domain.ErrTenantBusy.
func Acquire(ctx context.Context, a ports.TenantAdmission, tenantID, taskID string) (*Lease, error) {
	if !a.TryAcquire(ctx, tenantID, taskID) {
		holderID, _ := a.RunningTaskID(tenantID)
		return nil, &domain.Error{
			Kind:    domain.KindConflict,
			Op:      "acquire tenant " + tenantID,
			Message: domain.ErrTenantBusy.Message,
			Err:     fmt.Errorf("held by task %q", holderID),
		}
	}
	return &Lease{admission: a, tenantID: tenantID, taskID: taskID}, nil
}

// Release gives the slot back; calls after the first are ignored.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.admission.Release(ctx, l.tenantID, l.taskID)
	})
}
