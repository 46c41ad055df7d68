package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Debugw("Server state changed", logger.FieldState, stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the hub, the result bus, the audit archiver
// and the resource monitor.
func (s *Server) startBackgroundServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bus.Run(s.ctx)
		}()
	}

	if s.archiver != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.archiver.Run(s.ctx)
		}()
	}

	if s.monitor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.monitor.Run(s.ctx); err != nil {
				s.logger.Errorw("Resource monitor failed", logger.FieldError, err)
			}
		}()
	}
}

// WatchConfig applies reloaded settings to the running server: rate limits,
// allowed origins, client capacity and the export path. The server starts
// the watcher and stops it on shutdown.
func (s *Server) WatchConfig(cw *am.ConfigWatcher) {
	cw.OnReload(func(cfg *am.Config) error {
		s.applyConfig(cfg)
		s.logger.Infow("Config reloaded",
			"max_queries_per_minute", cfg.Server.MaxQueriesPerMinute,
			"max_clients", cfg.Server.MaxClients,
		)
		return nil
	})
	cw.Start()
	am.SetGlobalWatcher(cw)
	s.configWatcher = cw
}

// Start serves on the given port until Stop is called.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "failed to listen on port %d", port),
			"choose another port with --port or server.port in am.toml")
	}
	return s.Serve(ln)
}

// Serve runs background services and serves HTTP on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready",
		logger.FieldAddress, ln.Addr().String(),
		"protocol", s.protocolName,
	)

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

// Stop gracefully shuts down the server and cleans up resources. Only the
// first call shuts down; later or concurrent calls return nil at once.
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	started := s.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateDraining))
	s.lifeMu.Unlock()
	if !started {
		return nil
	}
	s.logger.Infow("Initiating server shutdown")
	s.logger.Debugw("Server state changed", logger.FieldState, stateString(ServerStateDraining))

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
		cancel()
	}

	// Close all client connections BEFORE cancelling context
	// This ensures readPump/writePump exit cleanly before context cancellation
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
			s.metrics.ConnectionClosed()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debugw("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}

	var exportErr error
	s.settingsMu.RLock()
	exportPath := s.exportPath
	s.settingsMu.RUnlock()
	if exportPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		exportErr = audit.Export(ctx, s.audit, exportPath)
		cancel()
		if exportErr != nil {
			s.logger.Errorw("Failed to export audit log", logger.FieldPath, exportPath, logger.FieldError, exportErr)
		} else {
			s.logger.Infow("Audit log exported", logger.FieldPath, exportPath)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return exportErr
}
