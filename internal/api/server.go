// Package api provides the HTTP REST API and WebSocket server for Aesdetic Core.
//
// It exposes device control and management operations and streams coalesced
// device update batches and surfaced command errors to WebSocket subscribers
// (the mobile and web controllers).
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/discovery"
	"github.com/aesdetic/aesdetic-core/internal/engine"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket broadcast channels. Clients subscribe to these by name.
const (
	ChannelDeviceUpdated = "device.updated"
	ChannelDeviceError   = "device.error"
)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Engine    *engine.Engine
	Discovery *discovery.Service // optional: manual device addition is disabled when nil
	Version   string
}

// Server is the HTTP API server for Aesdetic Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	engine    *engine.Engine
	discovery *discovery.Service
	version   string
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. New wires the engine's
// update and error subscriptions into the WebSocket hub, so it must run
// before the engine starts.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		engine:    deps.Engine,
		discovery: deps.Discovery,
		version:   deps.Version,
	}
	s.hub = NewHub(s.wsCfg, s.logger)

	s.engine.OnUpdate(func(devices []device.Device) {
		s.hub.Broadcast(ChannelDeviceUpdated, map[string]any{
			"devices": devices,
			"count":   len(devices),
		})
	})
	s.engine.OnError(func(cmdErr *engine.CommandError) {
		s.hub.Broadcast(ChannelDeviceError, map[string]any{
			"device_id":   cmdErr.DeviceID,
			"device_name": cmdErr.DeviceName,
			"kind":        string(cmdErr.Kind),
			"op":          cmdErr.Op,
			"message":     cmdErr.Error(),
			"retryable":   cmdErr.Retryable(),
		})
	})

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
