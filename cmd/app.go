package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"mailbridge/pkg/bridge"
	"mailbridge/pkg/bus"
	"mailbridge/pkg/config"
	"mailbridge/pkg/logger"
	"mailbridge/pkg/state"
)

// app holds what every command that touches dispatchers needs.
type app struct {
	settings *config.Settings
	log      *slog.Logger
	events   *bus.EventBus
	bridge   *bridge.Bridge
	closeLog func() error
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	if configPathFlag != "" {
		settings.ConfigPath = configPathFlag
	}
	if statePathFlag != "" {
		settings.StatePath = statePathFlag
	}

	return settings, nil
}

// newApp loads settings, sets the default logger and builds the bridge.
func newApp(component string) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	appLogger, closeLog, err := logger.New(settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	log := slog.Default().With("component", component)

	dispatchers, invalid, err := config.LoadDispatchers(settings.ConfigPath)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("load dispatchers: %w", err)
	}
	logInvalid(log, invalid)

	events := bus.New()
	b := bridge.New(bridge.Options{
		Dispatchers: dispatchers,
		Store:       state.NewStore(settings.StatePath, appLogger),
		BaseDir:     settings.DataDir,
		HTTPClient:  &http.Client{Timeout: settings.HTTPTimeout},
		Events:      events,
		Log:         appLogger,
	})

	return &app{
		settings: settings,
		log:      log,
		events:   events,
		bridge:   b,
		closeLog: closeLog,
	}, nil
}

func (a *app) Close() {
	a.events.Close()
	_ = a.closeLog()
}

func logInvalid(log *slog.Logger, invalid map[string]error) {
	for name, err := range invalid {
		log.Warn("Skipping invalid dispatcher", "dispatcher", name, "error", err)
	}
}
