// Package server exposes the engine's monitoring and control surface over
// HTTP: health and status snapshots, sanitized configuration, Prometheus
// metrics and pause/resume/stop controls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/conf"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/loop"
)

// HTTPServer provides HTTP endpoints for monitoring and controlling a
// capture session.
type HTTPServer struct {
	server    *http.Server
	logger    logging.Logger
	config    *conf.Config
	scheduler *loop.Scheduler
	startTime time.Time
}

// NewHTTPServer creates the HTTP surface for a scheduler.
func NewHTTPServer(cfg conf.HTTPConfig, appConfig *conf.Config, scheduler *loop.Scheduler, logger logging.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		scheduler: scheduler,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/config", h.handleConfig)
	mux.HandleFunc("/pause", h.handlePause)
	mux.HandleFunc("/resume", h.handleResume)
	mux.HandleFunc("/stop", h.handleStop)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", h.handleRoot)
}

// Start begins serving in the background.
func (h *HTTPServer) Start() error {
	h.logger.Info("starting HTTP server on %s", h.server.Addr)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("stopping HTTP server")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.scheduler.Status()
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"capture": map[string]interface{}{
			"state":           st.State.String(),
			"elapsed_seconds": st.ElapsedSeconds,
		},
	}

	writeJSON(w, health)
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.scheduler.Status()
	status := map[string]interface{}{
		"state":                   st.State.String(),
		"current_segment_index":   st.CurrentSegmentIndex,
		"elapsed_seconds":         st.ElapsedSeconds,
		"merged_duration_seconds": st.MergedDurationSeconds,
		"segments_on_disk":        st.SegmentsOnDisk,
		"timestamp":               time.Now().UTC(),
	}
	if st.LastError != "" {
		status["last_error"] = st.LastError
	}

	writeJSON(w, status)
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := map[string]interface{}{
		"capture": map[string]interface{}{
			"work_dir":    h.config.Capture.WorkDir,
			"output_path": h.config.Capture.OutputPath,
			"device_id":   h.config.Capture.DeviceID,
			"fixture":     h.config.Capture.Fixture,
		},
		"window": map[string]interface{}{
			"max_duration_seconds":    h.config.Window.MaxDurationSeconds,
			"segment_length_seconds":  h.config.Window.SegmentLengthSeconds,
			"buffer_padding_segments": h.config.Window.BufferPaddingSegments,
			"max_segments":            h.config.Window.MaxSegments(),
		},
		"codec": map[string]interface{}{
			"sample_rate": h.config.Codec.SampleRate,
			"channels":    h.config.Codec.Channels,
			"bit_depth":   h.config.Codec.BitDepth,
			"bitrate":     h.config.Codec.Bitrate,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitized)
}

func (h *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.scheduler.PauseForInterruption()
	writeJSON(w, map[string]interface{}{"state": h.scheduler.Status().State.String()})
}

func (h *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.scheduler.ResumeAfterInterruption()
	writeJSON(w, map[string]interface{}{"state": h.scheduler.Status().State.String()})
}

func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, err := h.scheduler.StopAndFinalize()
	if err != nil {
		if errors.Is(err, loop.ErrNoMergedOutput) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"state":       h.scheduler.Status().State.String(),
		"output_path": path,
	})
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"service": "loop recorder",
		"endpoints": map[string]interface{}{
			"GET /health":  "service health check",
			"GET /status":  "capture session status",
			"GET /config":  "sanitized configuration",
			"GET /metrics": "Prometheus metrics",
			"POST /pause":  "pause capture",
			"POST /resume": "resume capture",
			"POST /stop":   "stop capture and assemble the output",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
