// Package clientstate holds the participant state that survives a reload.
//
// Each concern lives in its own Container. A container must be hydrated from
// its Persistence before logic reads it; reading an unhydrated container is
// ErrNotHydrated, never a silent zero value.
package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"example.com/scorebridge/internal/errs"
)

var ErrNotHydrated = errors.New("client state not hydrated")

type Container[T any] struct {
	key string
	p   Persistence

	mu       sync.RWMutex
	hydrated bool
	present  bool
	val      T
}

func NewContainer[T any](key string, p Persistence) *Container[T] {
	return &Container[T]{key: key, p: p}
}

// Hydrate loads the persisted value. A missing value hydrates as absent.
func (c *Container[T]) Hydrate(ctx context.Context) error {
	b, err := c.p.Load(ctx, c.key)
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.val, c.present = zero, false
	case err != nil:
		return fmt.Errorf("hydrate %s: %w", c.key, err)
	default:
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			// a corrupt placeholder is worth less than a fresh pull
			c.val, c.present = zero, false
			break
		}
		c.val, c.present = v, true
	}
	c.hydrated = true
	return nil
}

func (c *Container[T]) Hydrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hydrated
}

// Get reports the value and whether one was ever set.
func (c *Container[T]) Get() (T, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hydrated {
		var zero T
		return zero, false, fmt.Errorf("%s: %w", c.key, ErrNotHydrated)
	}
	return c.val, c.present, nil
}

func (c *Container[T]) Set(ctx context.Context, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hydrated {
		return fmt.Errorf("%s: %w", c.key, ErrNotHydrated)
	}
	if err := c.p.Save(ctx, c.key, b); err != nil {
		return fmt.Errorf("save %s: %w", c.key, err)
	}
	c.val, c.present = v, true
	return nil
}

func (c *Container[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.p.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("clear %s: %w", c.key, err)
	}
	var zero T
	c.val, c.present = zero, false
	c.hydrated = true
	return nil
}
