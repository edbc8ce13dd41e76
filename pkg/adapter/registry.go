package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

// DefaultTimeout bounds an attempt when the target configures none.
const DefaultTimeout = 30 * time.Second

// Creator builds the adapter for one configured target.
type Creator func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error)

type registration struct {
	adapter DeliveryAdapter
	timeout time.Duration
}

// Registry maps each target system to its adapter. The zero value is ready
// to use.
type Registry struct {
	mu      sync.RWMutex
	entries map[schema.TargetSystem]registration
}

// NewRegistry builds one adapter per configured target, keyed by the
// target's name.
func NewRegistry(ctx context.Context, targets map[string]config.TargetSettings) (*Registry, error) {
	r := &Registry{}
	for name, settings := range targets {
		create, err := creatorFor(settings.Kind)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("target %s: %w", name, err)
		}
		a, err := create(ctx, settings)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("target %s: %w", name, err)
		}
		r.Register(schema.TargetSystem(name), a, settings.Timeout)
	}
	return r, nil
}

func creatorFor(kind string) (Creator, error) {
	switch kind {
	case "http":
		return NewHTTPAdapter, nil
	case "portal":
		return NewPortalAdapter, nil
	case "postgres":
		return NewPostgresAdapter, nil
	case "rabbitmq":
		return NewRabbitMqAdapter, nil
	case "gcp-pubsub":
		return NewPubSubAdapter, nil
	default:
		return nil, fmt.Errorf("unsupported target kind: %s", kind)
	}
}

// Register binds target to a, replacing any previous adapter. A zero timeout
// selects DefaultTimeout.
func (r *Registry) Register(target schema.TargetSystem, a DeliveryAdapter, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[schema.TargetSystem]registration)
	}
	r.entries[target] = registration{adapter: a, timeout: timeout}
}

func (r *Registry) Lookup(target schema.TargetSystem) (DeliveryAdapter, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[target]
	return reg.adapter, reg.timeout, ok
}

func (r *Registry) Targets() []schema.TargetSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]schema.TargetSystem, 0, len(r.entries))
	for target := range r.entries {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for target, reg := range r.entries {
		if err := reg.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
	}
	r.entries = nil
	return errors.Join(errs...)
}
