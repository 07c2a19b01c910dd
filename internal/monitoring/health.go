// Package monitoring serves health and status endpoints for a pipeline
// worker.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	maxAlerts = 100
	// memoryWarnRatio is the share of device capacity above which the peak
	// raises a warning.
	memoryWarnRatio = 0.9
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Backend   *BackendInfo  `json:"backend,omitempty"`
	Actions   []ActionInfo  `json:"actions"`
	Results   int           `json:"results"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type BackendInfo struct {
	Name             string  `json:"name"`
	Device           string  `json:"device"`
	DeviceMemoryGiB  float64 `json:"device_memory_gib"`
	PeakMemoryGiB    float64 `json:"peak_memory_gib"`
	PeakMemoryUsePct float64 `json:"peak_memory_use_pct"`
}

// ActionInfo aggregates served calls of one action type.
type ActionInfo struct {
	Action  string        `json:"action"`
	Calls   int           `json:"calls"`
	Errors  int           `json:"errors"`
	Total   time.Duration `json:"total"`
	LastErr string        `json:"last_error,omitempty"`
}

type Alert struct {
	Level     string    `json:"level"`     // warning, error
	Component string    `json:"component"` // device, action
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMonitor tracks what a worker served. A nil backend means the worker
// only collects results.
type HealthMonitor struct {
	startTime time.Time
	backend   *pipeline.Backend
	server    *http.Server

	mu      sync.RWMutex
	actions map[string]*ActionInfo
	results int
	alerts  []Alert
}

func NewHealthMonitor(backend *pipeline.Backend) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		backend:   backend,
		actions:   map[string]*ActionInfo{},
	}
}

// Handler routes /health, /healthz, /status, /admin/alerts and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordAction accounts one served call and raises alerts for device
// exhaustion.
func (hm *HealthMonitor) RecordAction(action string, d time.Duration, err error) {
	hm.mu.Lock()
	a, ok := hm.actions[action]
	if !ok {
		a = &ActionInfo{Action: action}
		hm.actions[action] = a
	}
	a.Calls++
	a.Total += d
	if err != nil {
		a.Errors++
		a.LastErr = err.Error()
	}
	hm.mu.Unlock()

	if errors.Is(err, device.ErrOutOfMemory) {
		hm.AddAlert("error", "device", fmt.Sprintf("%s: %v", action, err))
	}
	hm.checkMemory()
}

func (hm *HealthMonitor) RecordResult(name string, rows int) {
	hm.mu.Lock()
	hm.results += rows
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := append([]Alert{}, hm.alerts...)
		hm.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(alerts)
	case http.MethodDelete:
		hm.mu.Lock()
		hm.alerts = hm.alerts[:0]
		hm.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Status is degraded while any error alert is present.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, a := range hm.alerts {
		if a.Level == "error" {
			status = StatusDegraded
			break
		}
	}

	actions := make([]ActionInfo, 0, len(hm.actions))
	for _, a := range hm.actions {
		actions = append(actions, *a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Action < actions[j].Action })

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Backend:   hm.backendInfo(),
		Actions:   actions,
		Results:   hm.results,
		Alerts:    append([]Alert{}, hm.alerts...),
	}
}

func (hm *HealthMonitor) backendInfo() *BackendInfo {
	if hm.backend == nil {
		return nil
	}
	rt := hm.backend.Runtime
	total, peak := rt.TotalMemory(), rt.MaxMemoryAllocated()
	info := &BackendInfo{
		Name:            hm.backend.Name,
		Device:          rt.Name(),
		DeviceMemoryGiB: device.BytesToGiB(total),
		PeakMemoryGiB:   device.BytesToGiB(peak),
	}
	if total > 0 {
		info.PeakMemoryUsePct = float64(peak) / float64(total) * 100
	}
	return info
}

func (hm *HealthMonitor) checkMemory() {
	info := hm.backendInfo()
	if info == nil || info.PeakMemoryUsePct < memoryWarnRatio*100 {
		return
	}
	hm.mu.RLock()
	for _, a := range hm.alerts {
		if a.Level == "warning" && a.Component == "device" {
			hm.mu.RUnlock()
			return
		}
	}
	hm.mu.RUnlock()
	hm.AddAlert("warning", "device",
		fmt.Sprintf("Peak memory at %.1f%% of device capacity", info.PeakMemoryUsePct))
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
