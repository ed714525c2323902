//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"fmt"
	"sync"
)

// Factory creates a client for one (server, user) key.
type Factory func(ctx context.Context, serverID, userID string) (Client, error)

// ClientPool is the default Pool implementation: one cached client per
// (server, user) key, created lazily and closed on Stop.
type ClientPool struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]Client
}

// NewPool creates a pool backed by factory.
func NewPool(factory Factory) *ClientPool {
	return &ClientPool{
		factory: factory,
		clients: make(map[string]Client),
	}
}

func poolKey(serverID, userID string) string {
	return serverID + "/" + userID
}

// Get implements Pool.
func (p *ClientPool) Get(ctx context.Context, serverID, userID string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey(serverID, userID)
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.factory(ctx, serverID, userID)
	if err != nil {
		return nil, fmt.Errorf("create tool client %s: %w", key, err)
	}
	p.clients[key] = c
	return c, nil
}

// Stop implements Pool.
func (p *ClientPool) Stop(serverID, userID string) error {
	p.mu.Lock()
	key := poolKey(serverID, userID)
	c, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("stop tool client %s: %w", key, err)
	}
	return nil
}
