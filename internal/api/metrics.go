package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/gatewayd"
	"github.com/nerrad567/gray-logic-beacon/internal/telemetry"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Regions       RegionMetrics    `json:"regions"`
	Radio         RadioMetrics     `json:"radio"`
	Ranging       *RangingMetrics  `json:"ranging,omitempty"`
	Dispatch      *DispatchMetrics `json:"dispatch,omitempty"`
	Telemetry     *telemetry.Stats `json:"telemetry,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Gateway       *gatewayd.Stats  `json:"gateway_process,omitempty"`
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

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// RegionMetrics counts monitored regions by presence status.
type RegionMetrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// RadioMetrics contains scan engine statistics.
type RadioMetrics struct {
	Armed          bool   `json:"armed"`
	Unavailable    uint64 `json:"unavailable"`
	Advertisements uint64 `json:"advertisements"`
	Filtered       uint64 `json:"filtered"`
	Unmatched      uint64 `json:"unmatched"`
	Sightings      uint64 `json:"sightings"`
	Dropped        uint64 `json:"dropped"`
	Retries        uint64 `json:"retries"`
	SessionsLost   uint64 `json:"sessions_lost"`
}

// RangingMetrics contains aggregator statistics.
type RangingMetrics struct {
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	Stale      uint64 `json:"stale"`
	OutOfOrder uint64 `json:"out_of_order"`
	Enters     uint64 `json:"enters"`
	Exits      uint64 `json:"exits"`
}

// DispatchMetrics contains event dispatcher statistics.
type DispatchMetrics struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Failures      uint64 `json:"failures"`
	Discarded     uint64 `json:"discarded"`
	Subscriptions int    `json:"subscriptions"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns system metrics. Sections for optional components
// are omitted when the component is not wired.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
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
		Radio: RadioMetrics{
			Armed:       s.regions.Armed(),
			Unavailable: s.regions.RadioUnavailableCount(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	metrics.Regions = s.regionMetrics()

	if s.engine != nil {
		st := s.engine.Stats()
		metrics.Radio.Advertisements = st.Advertisements
		metrics.Radio.Filtered = st.Filtered
		metrics.Radio.Unmatched = st.Unmatched
		metrics.Radio.Sightings = st.Sightings
		metrics.Radio.Dropped = st.Dropped
		metrics.Radio.Retries = st.Retries
		metrics.Radio.SessionsLost = st.SessionsLost
	}

	if s.aggregator != nil {
		st := s.aggregator.Stats()
		metrics.Ranging = &RangingMetrics{
			Accepted:   st.Accepted,
			Rejected:   st.Rejected,
			Stale:      st.Stale,
			OutOfOrder: st.OutOfOrder,
			Enters:     st.Enters,
			Exits:      st.Exits,
		}
	}

	if s.dispatcher != nil {
		st := s.dispatcher.Stats()
		metrics.Dispatch = &DispatchMetrics{
			Published:     st.Published,
			Delivered:     st.Delivered,
			Failures:      st.Failures,
			Discarded:     st.Discarded,
			Subscriptions: st.Subscriptions,
		}
	}

	if s.recorder != nil {
		st := s.recorder.Stats()
		metrics.Telemetry = &st
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.gateway != nil {
		st := s.gateway.Stats()
		metrics.Gateway = &st
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) regionMetrics() RegionMetrics {
	m := RegionMetrics{ByStatus: make(map[string]int)}
	for _, r := range s.regions.Regions() {
		status := beacon.StatusUnseen
		if _, st, ok := s.regions.Region(r.Identifier); ok {
			status = st.Status
		}
		m.ByStatus[string(status)]++
		m.Total++
	}
	return m
}
