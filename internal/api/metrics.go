package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/knx-process/internal/infrastructure/influxdb"
	"github.com/nerrad567/knx-process/internal/infrastructure/logging"
	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/process"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	Process       process.Stats       `json:"process"`
	Commands      CommandMetrics      `json:"commands"`
	Inventory     *InventoryMetrics   `json:"inventory,omitempty"`
	MQTT          *mqtt.Stats         `json:"mqtt,omitempty"`
	InfluxDB      *influxdb.Stats     `json:"influxdb,omitempty"`
	Log           logging.EntryCounts `json:"log"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// CommandMetrics counts write commands from MQTT and the REST API.
type CommandMetrics struct {
	Handled uint64 `json:"handled"`
	Failed  uint64 `json:"failed"`
}

// InventoryMetrics contains recorder statistics.
type InventoryMetrics struct {
	GroupAddresses int `json:"group_addresses"`
	Devices        int `json:"devices"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Process: s.process.Stats(),
		Commands: CommandMetrics{
			Handled: s.commands.Handled(),
			Failed:  s.commands.Failed(),
		},
		Log: s.logger.Entries(),
	}
	if s.mqtt != nil {
		st := s.mqtt.Stats()
		metrics.MQTT = &st
	}
	if s.influx != nil {
		st := s.influx.Stats()
		metrics.InfluxDB = &st
	}

	if s.inventory != nil {
		gas, gaErr := s.inventory.GroupAddressCount(r.Context())
		devices, devErr := s.inventory.DeviceCount(r.Context())
		if gaErr == nil && devErr == nil {
			metrics.Inventory = &InventoryMetrics{GroupAddresses: gas, Devices: devices}
		} else {
			s.logger.Warn("inventory metrics unavailable", "ga_error", gaErr, "device_error", devErr)
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
