// knxprocess is the KNX process communication daemon.
//
// It attaches a process communicator to a knxd (or in-memory) link and
// exposes group reads and writes over REST, WebSocket and MQTT. Observed
// group traffic is published to MQTT, written to InfluxDB and recorded in a
// SQLite inventory, each when enabled in the config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/knx-process/internal/api"
	"github.com/nerrad567/knx-process/internal/bridge"
	"github.com/nerrad567/knx-process/internal/commissioning/etsimport"
	"github.com/nerrad567/knx-process/internal/infrastructure/config"
	"github.com/nerrad567/knx-process/internal/infrastructure/database"
	"github.com/nerrad567/knx-process/internal/infrastructure/influxdb"
	"github.com/nerrad567/knx-process/internal/infrastructure/logging"
	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
	"github.com/nerrad567/knx-process/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// healthCheckTimeout bounds the startup health check.
const healthCheckTimeout = 10 * time.Second

// errLinkLost is returned when the link closes while the daemon runs.
var errLinkLost = errors.New("knx link lost")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown and errLinkLost if the link closes underneath it.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting knxprocess",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	catalog, err := buildCatalog(cfg, log)
	if err != nil {
		return fmt.Errorf("loading datapoints: %w", err)
	}

	link, closeLink, err := openLink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening link: %w", err)
	}
	defer func() {
		log.Info("closing KNX link")
		if closeErr := closeLink(); closeErr != nil {
			log.Error("error closing KNX link", "error", closeErr)
		}
	}()

	pc, err := newCommunicator(link, cfg, log)
	if err != nil {
		return err
	}
	defer pc.Detach()

	detached := make(chan struct{})
	if err := pc.AddProcessListener(&process.ListenerFuncs{
		OnDetached: func(process.DetachEvent) { close(detached) },
	}); err != nil {
		return fmt.Errorf("registering detach listener: %w", err)
	}
	if pc.Stats().Detached {
		return errLinkLost
	}

	health := make(map[string]api.HealthChecker)
	var inventory api.Inventory

	if cfg.Database.Enabled {
		db, err := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		health["database"] = db

		recorder := bridge.NewGARecorder(db.DB, 0)
		recorder.SetLogger(log)
		if err := recorder.Start(); err != nil {
			return fmt.Errorf("starting GA recorder: %w", err)
		}
		defer recorder.Stop()
		if err := pc.AddProcessListener(recorder); err != nil {
			return fmt.Errorf("registering GA recorder: %w", err)
		}
		defer pc.RemoveProcessListener(recorder)
		inventory = recorder
		log.Info("database connected", "path", cfg.Database.Path)
	} else {
		log.Info("database disabled")
	}

	commands := bridge.NewCommandHandler(pc, catalog)
	commands.SetLogger(log)

	var (
		mqttStats   api.MQTTStats
		influxStats api.InfluxStats
	)

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		health["mqtt"] = mqttClient
		mqttStats = mqttClient

		publisher := bridge.NewPublisher(mqttClient, catalog, bridge.PublisherConfig{QoS: mqttClient.QoS()})
		publisher.SetLogger(log)
		defer publisher.Close()
		if err := pc.AddProcessListener(publisher); err != nil {
			return fmt.Errorf("registering MQTT publisher: %w", err)
		}
		defer pc.RemoveProcessListener(publisher)

		if err := commands.Subscribe(mqttClient, mqttClient.QoS()); err != nil {
			return err
		}
		defer commands.Unsubscribe(mqttClient) //nolint:errcheck // best effort on shutdown

		log.Info("MQTT bridge started",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		health["influxdb"] = influxClient
		influxStats = influxClient

		history := bridge.NewHistoryRecorder(influxClient, catalog)
		history.SetLogger(log)
		if err := pc.AddProcessListener(history); err != nil {
			return fmt.Errorf("registering history recorder: %w", err)
		}
		defer pc.RemoveProcessListener(history)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log,
			Process:   pc,
			Catalog:   catalog,
			Commands:  commands,
			Inventory: inventory,
			MQTT:      mqttStats,
			InfluxDB:  influxStats,
			Health:    health,
			Version:   version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"communicator", pc.ID(),
		"datapoints", catalog.Len(),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
		return nil
	case <-detached:
		log.Error("KNX link closed, shutting down")
		return errLinkLost
	}
}

// openLink connects the configured link. The returned function closes it.
func openLink(ctx context.Context, cfg *config.Config, log *logging.Logger) (knx.Link, func() error, error) {
	switch cfg.Link.Type {
	case config.LinkVirtual:
		network := knx.NewVirtualNetwork(knx.VirtualNetworkConfig{
			Responder:     cfg.Link.Virtual.Responder,
			ResponseDelay: time.Duration(cfg.Link.Virtual.ResponseDelay) * time.Millisecond,
		})
		link, err := network.Attach()
		if err != nil {
			return nil, nil, err
		}
		log.Info("virtual KNX network attached",
			"address", link.Address(),
			"responder", cfg.Link.Virtual.Responder,
		)
		return link, network.Close, nil

	default:
		link, err := knx.Dial(ctx, knx.KNXDConfig{
			Connection:        cfg.Link.KNXD.URL,
			ConnectTimeout:    time.Duration(cfg.Link.KNXD.ConnectTimeout) * time.Second,
			ReadTimeout:       time.Duration(cfg.Link.KNXD.ReadTimeout) * time.Second,
			ReconnectInterval: time.Duration(cfg.Link.KNXD.ReconnectInterval) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		link.SetLogger(log)
		log.Info("connected to knxd", "url", cfg.Link.KNXD.URL)
		return link, link.Close, nil
	}
}

// newCommunicator attaches a communicator to link with the configured
// timeout and priority.
func newCommunicator(link knx.Link, cfg *config.Config, log *logging.Logger) (*process.Communicator, error) {
	pc, err := process.New(link)
	if err != nil {
		return nil, fmt.Errorf("creating communicator: %w", err)
	}
	pc.SetLogger(log)
	if err := pc.SetResponseTimeout(cfg.Process.ResponseTimeout); err != nil {
		pc.Detach()
		return nil, fmt.Errorf("setting response timeout: %w", err)
	}
	if err := pc.SetPriority(cfg.GetPriority()); err != nil {
		pc.Detach()
		return nil, fmt.Errorf("setting priority: %w", err)
	}
	log.Info("process communicator attached",
		"id", pc.ID(),
		"response_timeout", cfg.Process.ResponseTimeout,
		"priority", cfg.GetPriority().String(),
	)
	return pc, nil
}

// buildCatalog converts configured datapoints, then adds those imported
// from the ETS export if one is configured. Imported entries whose name is
// already taken are skipped.
func buildCatalog(cfg *config.Config, log *logging.Logger) (*process.Catalog, error) {
	dps := make([]process.Datapoint, 0, len(cfg.Datapoints))
	names := make(map[string]bool, len(cfg.Datapoints))
	for _, p := range cfg.Datapoints {
		dp, err := process.NewDatapoint(p.Address, p.DPT, p.Name)
		if err != nil {
			return nil, fmt.Errorf("datapoint %q: %w", p.Name, err)
		}
		dps = append(dps, dp)
		names[dp.Name] = true
	}

	if cfg.DatapointsFile != "" {
		result, err := etsimport.ParseFile(cfg.DatapointsFile)
		if err != nil {
			return nil, fmt.Errorf("importing %s: %w", cfg.DatapointsFile, err)
		}
		for _, w := range result.Warnings {
			log.Warn("ETS import: group address skipped or renamed",
				"code", w.Code, "address", w.Address, "message", w.Message)
		}
		imported := 0
		for _, dp := range result.Datapoints {
			if names[dp.Name] {
				log.Warn("ETS import: name already configured", "name", dp.Name, "address", dp.Address.String())
				continue
			}
			dps = append(dps, dp)
			names[dp.Name] = true
			imported++
		}
		log.Info("ETS export imported",
			"file", result.SourceFile,
			"format", result.Format,
			"datapoints", imported,
			"warnings", len(result.Warnings),
		)
	}

	return process.NewCatalog(dps...)
}

// healthCheck runs every component check concurrently.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for name, hc := range checks {
		g.Go(func() error {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
