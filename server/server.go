// Package server exposes the dispatch coordinator over a websocket endpoint
// and a small HTTP admin API.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/dispatch"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/metrics"
	"github.com/teranos/aggregator/results"
	"github.com/teranos/aggregator/subscription"
)

// Deps are the collaborators a Server is built from. Coordinator and Audit
// are required.
type Deps struct {
	Coordinator *dispatch.Coordinator
	Audit       audit.Store
	Results     results.Store
	Bus         *subscription.Bus
	Archiver    *audit.Archiver
	Monitor     *ResourceMonitor
	Metrics     *metrics.Metrics
}

// Server owns websocket clients and the HTTP routes.
type Server struct {
	coord    *dispatch.Coordinator
	audit    audit.Store
	results  results.Store
	bus      *subscription.Bus
	archiver *audit.Archiver
	monitor  *ResourceMonitor
	metrics  *metrics.Metrics

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	settingsMu     sync.RWMutex
	allowedOrigins []string
	protocolName   string
	maxClients     int
	sendQueueSize  int
	exportPath     string

	queriesPerMinute atomic.Int64
	state            atomic.Int32

	// lifeMu orders Stop against connection admission in HandleWebSocket.
	lifeMu sync.RWMutex

	upgrader      websocket.Upgrader
	httpServer    *http.Server
	configWatcher *am.ConfigWatcher

	logger *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Nothing runs until Start.
func New(cfg *am.Config, deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("dispatch coordinator is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("audit store is required")
	}
	if log == nil {
		log = logger.ComponentLogger("server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		coord:      deps.Coordinator,
		audit:      deps.Audit,
		results:    deps.Results,
		bus:        deps.Bus,
		archiver:   deps.Archiver,
		monitor:    deps.Monitor,
		metrics:    deps.Metrics,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.applyConfig(cfg)

	// The subprotocol is fixed for the life of the server; a reload does not change it.
	s.protocolName = cfg.Server.ProtocolName
	if s.protocolName == "" {
		s.protocolName = am.DefaultProtocolName
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:  s.checkOrigin,
		Subprotocols: []string{s.protocolName},
	}
	if s.bus != nil {
		s.bus.OnReport(func(r subscription.Report) {
			s.metrics.Deliveries(r.Delivered, len(r.Failures))
			s.metrics.SetSubscriptions(s.coord.Table().Len())
		})
	}
	s.setState(ServerStateRunning)
	return s, nil
}

// applyConfig copies the settings that may change at runtime.
func (s *Server) applyConfig(cfg *am.Config) {
	s.settingsMu.Lock()
	s.allowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	s.maxClients = cfg.Server.MaxClients
	s.sendQueueSize = cfg.Server.SendQueueSize
	if s.sendQueueSize <= 0 {
		s.sendQueueSize = am.DefaultSendQueueSize
	}
	s.exportPath = cfg.Audit.ExportPath
	s.settingsMu.Unlock()

	s.SetQueryRate(cfg.Server.MaxQueriesPerMinute)
}

// SetQueryRate changes the per-connection submission limit, including for
// connected clients. 0 removes the limit.
func (s *Server) SetQueryRate(perMinute int) {
	if perMinute < 0 {
		perMinute = 0
	}
	s.queriesPerMinute.Store(int64(perMinute))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		client.setRate(perMinute)
	}
}

// Run is the client hub. It returns when the server context is cancelled.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.settingsMu.RLock()
	limit := s.maxClients
	s.settingsMu.RUnlock()

	s.mu.Lock()
	if limit > 0 && len(s.clients) >= limit {
		s.mu.Unlock()
		s.logger.Warnw("Client rejected, server at capacity",
			logger.FieldConnectionID, client.id,
			"max_clients", limit,
		)
		client.close()
		client.registered <- false
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Infow("Client connected",
		logger.FieldConnectionID, client.id,
		logger.FieldAddress, client.remote,
		"total_clients", total,
	)
	client.registered <- true
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
	}
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	if !ok {
		return
	}
	s.metrics.ConnectionClosed()
	s.logger.Infow("Client disconnected",
		logger.FieldConnectionID, client.id,
		"total_clients", total,
	)
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
