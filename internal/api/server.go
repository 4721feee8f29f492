package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/knx-process/internal/bridge"
	"github.com/nerrad567/knx-process/internal/infrastructure/config"
	"github.com/nerrad567/knx-process/internal/infrastructure/influxdb"
	"github.com/nerrad567/knx-process/internal/infrastructure/logging"
	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/process"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Inventory is the recorded group address inventory (see bridge.GARecorder).
type Inventory interface {
	GroupAddresses(ctx context.Context, limit int) ([]bridge.GroupAddressRecord, error)
	GroupAddressCount(ctx context.Context) (int, error)
	DeviceCount(ctx context.Context) (int, error)
}

// MQTTStats is implemented by the MQTT client (see mqtt.Client).
type MQTTStats interface {
	Stats() mqtt.Stats
}

// InfluxStats is implemented by the InfluxDB client (see influxdb.Client).
type InfluxStats interface {
	Stats() influxdb.Stats
}

// HealthChecker is implemented by infrastructure components reported by
// the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Process   *process.Communicator
	Catalog   *process.Catalog
	Commands  *bridge.CommandHandler   // Created from Process and Catalog if nil
	Inventory Inventory                // Optional
	MQTT      MQTTStats                // Optional
	InfluxDB  InfluxStats              // Optional
	Health    map[string]HealthChecker // Optional, keyed by component name
	Version   string
}

// Server is the HTTP API server of the KNX process daemon.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	process   *process.Communicator
	catalog   *process.Catalog
	commands  *bridge.CommandHandler
	inventory Inventory
	mqtt      MQTTStats
	influx    InfluxStats
	health    map[string]HealthChecker
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	registry  *prometheus.Registry
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns an error if the logger or communicator is missing.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Process == nil {
		return nil, fmt.Errorf("process communicator is required")
	}

	commands := deps.Commands
	if commands == nil {
		commands = bridge.NewCommandHandler(deps.Process, deps.Catalog)
		commands.SetLogger(deps.Logger)
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		process:   deps.Process,
		catalog:   deps.Catalog,
		commands:  commands,
		inventory: deps.Inventory,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		health:    deps.Health,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger, deps.Catalog),
	}
	s.registry = newRegistry(s)
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers it with the communicator so group
// events reach WebSocket clients, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if err := s.process.AddProcessListener(s.hub); err != nil {
		s.cancel()
		return fmt.Errorf("registering WebSocket hub: %w", err)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
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

	s.process.RemoveProcessListener(s.hub)
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

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
