package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"attache/internal/config"
	"attache/internal/logging"
	"attache/pkg/models"
)

const (
	connectTimeout = 30 * time.Second
	callTimeout    = 60 * time.Second
	staleAfter     = 10 * time.Minute
)

// Gateway manages stdio connections to the configured MCP servers and
// routes capability calls to the server that advertises each capability.
type Gateway struct {
	servers []config.MCPServerConfig

	// Cache of active clients by server name
	clientCache map[string]*serverConnection
	cacheMutex  sync.RWMutex

	// Capability routing table built by ListCapabilities
	capabilities map[string]models.CapabilityDescriptor
	capMutex     sync.RWMutex

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

type serverConnection struct {
	client   *client.Client
	server   config.MCPServerConfig
	lastUsed time.Time
	cancel   context.CancelFunc
}

// New creates a gateway over the configured servers. Connections are
// opened lazily and reaped after sitting idle.
func New(servers []config.MCPServerConfig) *Gateway {
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	g := &Gateway{
		servers:        servers,
		clientCache:    make(map[string]*serverConnection),
		capabilities:   make(map[string]models.CapabilityDescriptor),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	go g.cleanupRoutine()

	return g
}

// ListCapabilities connects to every configured server and returns the
// union of their advertised tools. A server that cannot be reached is
// skipped with a log line rather than failing the whole listing; name
// collisions resolve to the first server in configuration order.
func (g *Gateway) ListCapabilities(ctx context.Context) ([]models.CapabilityDescriptor, error) {
	routing := make(map[string]models.CapabilityDescriptor)
	var descriptors []models.CapabilityDescriptor

	for _, server := range g.servers {
		tools, err := g.listServerTools(ctx, server)
		if err != nil {
			logging.Error("Skipping MCP server %s: %v", server.Name, err)
			continue
		}

		for _, tool := range tools {
			if _, taken := routing[tool.Name]; taken {
				logging.Info("Capability %s from server %s shadowed by an earlier server", tool.Name, server.Name)
				continue
			}
			descriptor := models.CapabilityDescriptor{
				Name:        tool.Name,
				ServerName:  server.Name,
				Description: tool.Description,
			}
			if schema, err := json.Marshal(tool.InputSchema); err == nil {
				descriptor.InputSchema = schema
			}
			routing[tool.Name] = descriptor
			descriptors = append(descriptors, descriptor)
		}
	}

	g.capMutex.Lock()
	g.capabilities = routing
	g.capMutex.Unlock()

	return descriptors, nil
}

// ListServerCapabilities returns the tools advertised by one configured
// server.
func (g *Gateway) ListServerCapabilities(ctx context.Context, serverName string) ([]models.CapabilityDescriptor, error) {
	server, ok := g.serverByName(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown MCP server: %s", serverName)
	}

	tools, err := g.listServerTools(ctx, server)
	if err != nil {
		return nil, err
	}

	descriptors := make([]models.CapabilityDescriptor, 0, len(tools))
	for _, tool := range tools {
		descriptor := models.CapabilityDescriptor{
			Name:        tool.Name,
			ServerName:  server.Name,
			Description: tool.Description,
		}
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			descriptor.InputSchema = schema
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

// Execute runs one capability call. Failures are call-local: they come
// back inside the result, never as a Go error, so one bad call cannot
// abort the sibling calls of the same step.
func (g *Gateway) Execute(ctx context.Context, call models.ToolCallRequest) *models.CapabilityCallResult {
	started := time.Now()
	result := &models.CapabilityCallResult{CallID: call.ID}

	descriptor, ok := g.lookupCapability(call.Name)
	if !ok {
		// The routing table may be empty on first use or stale after a
		// server restart; refresh once before giving up.
		if _, err := g.ListCapabilities(ctx); err == nil {
			descriptor, ok = g.lookupCapability(call.Name)
		}
		if !ok {
			result.Error = fmt.Sprintf("unknown capability: %s", call.Name)
			result.Duration = time.Since(started)
			return result
		}
	}

	if err := validateArguments(descriptor, call.Arguments); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(started)
		return result
	}

	server, ok := g.serverByName(descriptor.ServerName)
	if !ok {
		result.Error = fmt.Sprintf("capability %s routed to unknown server %s", call.Name, descriptor.ServerName)
		result.Duration = time.Since(started)
		return result
	}

	mcpClient, err := g.getOrCreateClient(server)
	if err != nil {
		result.Error = fmt.Sprintf("failed to connect to MCP server %s: %v", server.Name, err)
		result.Duration = time.Since(started)
		return result
	}

	content, err := g.callTool(ctx, mcpClient, call)
	if err != nil {
		// A failed call may mean a dead server process; drop the cached
		// connection so the next call reconnects.
		g.dropConnection(server.Name)
		result.Error = err.Error()
	} else {
		result.Content = content
	}
	result.Duration = time.Since(started)
	return result
}

// ExecuteAll runs the calls of one step sequentially in request order.
// Every call gets a result; failed calls carry their failure with them.
func (g *Gateway) ExecuteAll(ctx context.Context, calls []models.ToolCallRequest) []*models.CapabilityCallResult {
	results := make([]*models.CapabilityCallResult, len(calls))
	for i, call := range calls {
		results[i] = g.Execute(ctx, call)
	}
	return results
}

// IsAvailable reports whether the named server currently answers a ping.
func (g *Gateway) IsAvailable(ctx context.Context, serverName string) bool {
	server, ok := g.serverByName(serverName)
	if !ok {
		return false
	}
	mcpClient, err := g.getOrCreateClient(server)
	if err != nil {
		return false
	}
	return mcpClient.Ping(ctx) == nil
}

// ServerNames returns the configured server names in configuration order.
func (g *Gateway) ServerNames() []string {
	names := make([]string, 0, len(g.servers))
	for _, server := range g.servers {
		names = append(names, server.Name)
	}
	return names
}

// Close shuts down the gateway and every open server connection.
func (g *Gateway) Close() {
	g.shutdownCancel()

	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()
	for name, conn := range g.clientCache {
		conn.cancel()
		_ = conn.client.Close()
		delete(g.clientCache, name)
	}
}

func (g *Gateway) lookupCapability(name string) (models.CapabilityDescriptor, bool) {
	g.capMutex.RLock()
	defer g.capMutex.RUnlock()
	descriptor, ok := g.capabilities[name]
	return descriptor, ok
}

func (g *Gateway) serverByName(name string) (config.MCPServerConfig, bool) {
	for _, server := range g.servers {
		if server.Name == name {
			return server, true
		}
	}
	return config.MCPServerConfig{}, false
}

func (g *Gateway) listServerTools(ctx context.Context, server config.MCPServerConfig) ([]mcp.Tool, error) {
	mcpClient, err := g.getOrCreateClient(server)
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	toolsResult, err := mcpClient.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		g.dropConnection(server.Name)
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return toolsResult.Tools, nil
}

// cachedClient returns the live connection for a server, if any, and
// refreshes its idle timestamp so the reaper won't close a connection
// that is in use. The timestamp is written under the write lock; the
// reaper reads it under the same lock.
func (g *Gateway) cachedClient(serverName string) (*client.Client, bool) {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()

	conn, exists := g.clientCache[serverName]
	if !exists {
		return nil, false
	}
	conn.lastUsed = time.Now()
	return conn.client, true
}

func (g *Gateway) getOrCreateClient(server config.MCPServerConfig) (*client.Client, error) {
	if mcpClient, ok := g.cachedClient(server.Name); ok {
		return mcpClient, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)

	var envSlice []string
	for key, value := range server.Env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", key, value))
	}

	// Create and initialize the client outside the lock so a slow server
	// launch cannot block calls to other servers.
	stdioTransport := transport.NewStdio(server.Command, envSlice, server.Args...)
	mcpClient := client.NewClient(stdioTransport)

	if err := mcpClient.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "Attache Capability Gateway",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := mcpClient.Initialize(ctx, initRequest); err != nil {
		cancel()
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}

	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()

	// Another goroutine may have connected while we were initializing
	if existingConn, exists := g.clientCache[server.Name]; exists {
		cancel()
		_ = mcpClient.Close()
		existingConn.lastUsed = time.Now()
		return existingConn.client, nil
	}

	g.clientCache[server.Name] = &serverConnection{
		client:   mcpClient,
		server:   server,
		lastUsed: time.Now(),
		cancel:   cancel,
	}

	logging.Debug("Created new MCP client connection to server %s", server.Name)
	return mcpClient, nil
}

func (g *Gateway) dropConnection(serverName string) {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()
	if conn, exists := g.clientCache[serverName]; exists {
		conn.cancel()
		_ = conn.client.Close()
		delete(g.clientCache, serverName)
	}
}

func (g *Gateway) callTool(ctx context.Context, mcpClient *client.Client, call models.ToolCallRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	callRequest := mcp.CallToolRequest{}
	callRequest.Params.Name = call.Name
	callRequest.Params.Arguments = call.Arguments

	result, err := mcpClient.CallTool(callCtx, callRequest)
	if err != nil {
		return "", fmt.Errorf("failed to call tool %s: %w", call.Name, err)
	}

	content := flattenContent(result.Content)
	if result.IsError {
		if content == "" {
			content = "tool execution failed"
		}
		return "", fmt.Errorf("tool execution failed: %s", content)
	}
	return content, nil
}

// flattenContent renders MCP content items as a single string. Text items
// pass through; anything else is serialized as JSON.
func flattenContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		if textContent, ok := mcp.AsTextContent(item); ok {
			parts = append(parts, textContent.Text)
			continue
		}
		if raw, err := json.Marshal(item); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

// validateArguments checks the call arguments against the capability's
// input schema before the call crosses the wire. Capabilities without a
// schema accept anything.
func validateArguments(descriptor models.CapabilityDescriptor, arguments map[string]interface{}) error {
	if len(descriptor.InputSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewBytesLoader(descriptor.InputSchema)
	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	documentLoader := gojsonschema.NewGoLoader(arguments)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		// An unloadable schema is the server's fault, not the caller's;
		// let the call through and let the server reject it.
		logging.Debug("Cannot validate arguments for %s: %v", descriptor.Name, err)
		return nil
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("invalid arguments for %s: %s", descriptor.Name, strings.Join(problems, "; "))
}

func (g *Gateway) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdownCtx.Done():
			return
		case <-ticker.C:
			g.cleanupStaleConnections()
		}
	}
}

func (g *Gateway) cleanupStaleConnections() {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for name, conn := range g.clientCache {
		if conn.lastUsed.Before(cutoff) {
			logging.Debug("Closing stale MCP connection to server %s", name)
			conn.cancel()
			_ = conn.client.Close()
			delete(g.clientCache, name)
		}
	}
}
