//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package mcp provides a tool client speaking the Model Context Protocol,
// with lazy connection, bounded retry and reconnect-on-transport-failure.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/tool"
)

var defaultClientInfo = mcp.Implementation{
	Name:    "trpc-flow-go",
	Version: "1.0.0",
}

// Config describes one MCP tool server connection.
type Config struct {
	// ServerID identifies the server in descriptors and pool keys.
	ServerID string
	// ServerURL is the streamable HTTP endpoint of the server.
	ServerURL string
	// Headers are extra HTTP headers, e.g. authentication.
	Headers map[string]string
	// ClientInfo overrides the advertised client identity.
	ClientInfo mcp.Implementation
	// Retry overrides the default retry policy.
	Retry *RetryConfig
}

// Client implements tool.Client over an MCP session. The session is
// established lazily on first use and re-established after transport
// failures.
type Client struct {
	config Config
	retry  *RetryConfig

	mu          sync.Mutex
	session     *mcp.Client
	initialized bool
}

// NewClient creates a client for one server. No connection is made yet.
func NewClient(config Config) *Client {
	retry := config.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &Client{config: config, retry: retry}
}

// ensureSession connects and initializes the MCP session when needed.
func (c *Client) ensureSession(ctx context.Context) (*mcp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.initialized {
		return c.session, nil
	}

	info := c.config.ClientInfo
	if info.Name == "" {
		info = defaultClientInfo
	}
	var options []mcp.ClientOption
	if len(c.config.Headers) > 0 {
		headers := http.Header{}
		for k, v := range c.config.Headers {
			headers.Set(k, v)
		}
		options = append(options, mcp.WithHTTPHeaders(headers))
	}

	session, err := mcp.NewClient(c.config.ServerURL, info, options...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client for %s: %w", c.config.ServerID, err)
	}
	if _, err := session.Initialize(ctx, &mcp.InitializeRequest{}); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			log.Warnf("close mcp client after failed initialize: %v", closeErr)
		}
		return nil, fmt.Errorf("initialize mcp session for %s: %w", c.config.ServerID, err)
	}
	c.session = session
	c.initialized = true
	log.Infof("mcp session established with %s", c.config.ServerID)
	return session, nil
}

// dropSession discards the session so the next call reconnects.
func (c *Client) dropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			log.Warnf("close stale mcp session: %v", err)
		}
	}
	c.session = nil
	c.initialized = false
}

// ListTools implements tool.Client.
func (c *Client) ListTools(ctx context.Context) ([]*tool.Descriptor, error) {
	return withRetry(ctx, c.retry, "list_tools", func() ([]*tool.Descriptor, error) {
		session, err := c.ensureSession(ctx)
		if err != nil {
			return nil, err
		}
		rsp, err := session.ListTools(ctx, &mcp.ListToolsRequest{})
		if err != nil {
			if isRetryable(err) {
				c.dropSession()
			}
			return nil, fmt.Errorf("list tools on %s: %w", c.config.ServerID, err)
		}
		descriptors := make([]*tool.Descriptor, 0, len(rsp.Tools))
		for i := range rsp.Tools {
			descriptors = append(descriptors, c.descriptor(&rsp.Tools[i]))
		}
		return descriptors, nil
	})
}

// CallTool implements tool.Client.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	return withRetry(ctx, c.retry, "call_tool", func() (*tool.Result, error) {
		session, err := c.ensureSession(ctx)
		if err != nil {
			return nil, err
		}
		req := &mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		rsp, err := session.CallTool(ctx, req)
		if err != nil {
			if isRetryable(err) {
				c.dropSession()
			}
			return nil, fmt.Errorf("call tool %s on %s: %w", name, c.config.ServerID, err)
		}
		return convertResult(rsp), nil
	})
}

// Close implements tool.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.initialized = false
	if err != nil {
		return fmt.Errorf("close mcp session for %s: %w", c.config.ServerID, err)
	}
	return nil
}

// descriptor converts an MCP tool definition. The input schema travels
// through its wire shape so this stays independent of the SDK's schema type.
func (c *Client) descriptor(t *mcp.Tool) *tool.Descriptor {
	d := &tool.Descriptor{
		Name:        t.Name,
		Description: t.Description,
		ServerID:    c.config.ServerID,
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return d
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return d
	}
	if schema, ok := m["inputSchema"].(map[string]any); ok {
		d.InputSchema = schema
	}
	return d
}

// convertResult flattens an MCP call result: text content concatenated, the
// structured payload kept as is, IsError carried through.
func convertResult(rsp *mcp.CallToolResult) *tool.Result {
	result := &tool.Result{IsError: rsp.IsError}
	var parts []string
	for _, content := range rsp.Content {
		if text, ok := content.(mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	result.Text = strings.Join(parts, "\n")
	if result.Text == "" && rsp.StructuredContent != nil {
		if raw, err := json.Marshal(rsp.StructuredContent); err == nil {
			result.Text = string(raw)
		}
	}
	result.Structured = rsp.StructuredContent
	return result
}

// NewPool creates a tool pool whose clients speak MCP, one per
// (server, user) pair. configFor maps a server id to its connection config.
func NewPool(configFor func(serverID, userID string) (Config, error)) *tool.ClientPool {
	return tool.NewPool(func(_ context.Context, serverID, userID string) (tool.Client, error) {
		cfg, err := configFor(serverID, userID)
		if err != nil {
			return nil, err
		}
		if cfg.ServerID == "" {
			cfg.ServerID = serverID
		}
		return NewClient(cfg), nil
	})
}
