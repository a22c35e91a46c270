// Package gateway runs the bridge as a long-lived service: scheduled cycles,
// the Viber webhook endpoint, health and metrics endpoints, and a watcher that
// reloads the dispatcher configuration.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"mailbridge/pkg/bus"
	"mailbridge/pkg/channel/viber"
	"mailbridge/pkg/config"
	"mailbridge/pkg/metrics"
	"mailbridge/pkg/state"
)

const (
	defaultListen   = ":8080"
	defaultSchedule = "@every 1m"
	defaultDebounce = 250 * time.Millisecond
	maxWebhookBody  = 1 << 20
)

// Bridge is the part of the bridge the service drives.
type Bridge interface {
	RunCycle(ctx context.Context) bool
	CheckWebhooks(ctx context.Context, force bool) (string, bool)
	HandleViberWebhook(ctx context.Context, signature string, body []byte) (state.ChangeSet, *viber.Message)
	SetDispatchers(d config.Dispatchers)
}

// Loader reads the dispatcher configuration file.
type Loader func(path string) (config.Dispatchers, map[string]error, error)

type Service struct {
	listen     string
	schedule   cron.Schedule
	configPath string
	bridge     Bridge
	events     *bus.EventBus
	loader     Loader
	debounce   time.Duration
	log        *slog.Logger

	// cycleMu keeps a config reload from running inside a cycle.
	cycleMu sync.Mutex

	mu             sync.RWMutex
	startedAt      time.Time
	scheduling     bool
	cycles         int
	lastCycleAt    time.Time
	lastCycleOK    bool
	failedSteps    []string
	pendingFailed  []string
	configLoadedAt time.Time
	configErr      string
}

type statusResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Scheduling     bool     `json:"scheduling"`
	Cycles         int      `json:"cycles"`
	LastCycleAt    string   `json:"last_cycle_at,omitempty"`
	LastCycleOK    bool     `json:"last_cycle_ok"`
	FailedSteps    []string `json:"failed_steps,omitempty"`
	ConfigLoadedAt string   `json:"config_loaded_at,omitempty"`
	ConfigError    string   `json:"config_error,omitempty"`
}

func NewService(settings *config.Settings, bridge Bridge, events *bus.EventBus, loader Loader, log *slog.Logger) (*Service, error) {
	if settings == nil {
		return nil, errors.New("settings are required")
	}
	if bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if loader == nil {
		loader = config.LoadDispatchers
	}
	if log == nil {
		log = slog.Default()
	}

	listen := strings.TrimSpace(settings.Serve.Listen)
	if listen == "" {
		listen = defaultListen
	}

	expr := strings.TrimSpace(settings.Serve.Schedule)
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	return &Service{
		listen:         listen,
		schedule:       schedule,
		configPath:     settings.ConfigPath,
		bridge:         bridge,
		events:         events,
		loader:         loader,
		debounce:       defaultDebounce,
		log:            log.With("component", "gateway.service"),
		configLoadedAt: time.Now().UTC(),
	}, nil
}

// Run serves until ctx is done or the HTTP server fails. The first cycle
// starts right away, later ones follow the schedule.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.events != nil {
		events, unsubscribe := s.events.SubscribeEvents(ctx, 64,
			bus.EventCycleStarted, bus.EventStepFailed, bus.EventCycleCompleted)
		defer unsubscribe()
		go func() {
			for event := range events {
				s.observe(event)
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	if s.configPath != "" {
		go s.watchConfig(ctx)
	}

	scheduler := s.startScheduler(ctx)
	defer func() {
		<-scheduler.Stop().Done()
		s.setScheduling(false)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	}
}

// Handler returns the HTTP routes served by Run.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(viber.WebhookPath, s.handleViberWebhook).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return router
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", s.listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

func (s *Service) handleViberWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	_, reply := s.bridge.HandleViberWebhook(r.Context(), r.Header.Get(viber.SignatureHeader), body)
	if reply == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.log.Error("Failed to write webhook reply", "error", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	return statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		Scheduling:     s.scheduling,
		Cycles:         s.cycles,
		LastCycleAt:    formatTime(s.lastCycleAt),
		LastCycleOK:    s.lastCycleOK,
		FailedSteps:    append([]string(nil), s.failedSteps...),
		ConfigLoadedAt: formatTime(s.configLoadedAt),
		ConfigError:    s.configErr,
	}
}

// isReady reports whether cycles are scheduled, at least one has finished
// and the last config reload succeeded. A cycle with failed steps still
// counts: mailbox and API outages are retried on the next tick.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.scheduling {
		return false
	}
	if s.cycles == 0 {
		return false
	}

	return s.configErr == ""
}

// observe folds cycle events from the bus into the status.
func (s *Service) observe(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventCycleStarted:
		s.pendingFailed = nil
	case bus.EventStepFailed:
		s.pendingFailed = append(s.pendingFailed, event.Payload["step"])
	case bus.EventCycleCompleted:
		s.cycles++
		s.lastCycleAt = event.At
		s.lastCycleOK = event.Payload["ok"] == "true"
		s.failedSteps = s.pendingFailed
		s.pendingFailed = nil
	}
}

func (s *Service) setScheduling(running bool) {
	s.mu.Lock()
	s.scheduling = running
	s.mu.Unlock()
}

func (s *Service) setConfigState(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.configErr = err.Error()
		return
	}
	s.configErr = ""
	s.configLoadedAt = time.Now().UTC()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(time.RFC3339)
}
