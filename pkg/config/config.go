package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultAttachmentsDir = "attachments"
	defaultSubject        = "Рассылка"
)

// Settings is the process-level configuration loaded from the environment.
type Settings struct {
	ConfigPath  string        `env:"CONFIG" envDefault:"config.json"`
	StatePath   string        `env:"STATE" envDefault:"state.json"`
	DataDir     string        `env:"DATA_DIR" envDefault:"."`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	Logging     LoggingConfig `envPrefix:"LOG_"`
	Serve       ServeConfig   `envPrefix:"SERVE_"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `env:"FORMAT"`
	Level     string `env:"LEVEL"`
	AddSource bool   `env:"ADD_SOURCE"`
	File      string `env:"FILE"`
}

// ServeConfig configures the long-running serve mode.
type ServeConfig struct {
	Listen   string `env:"LISTEN" envDefault:":8080"`
	Schedule string `env:"SCHEDULE" envDefault:"@every 1m"`
}

// LoadSettings reads optional .env files and parses MAILBRIDGE_* variables.
func LoadSettings() (*Settings, error) {
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	var settings Settings
	if err := env.ParseWithOptions(&settings, env.Options{Prefix: "MAILBRIDGE_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	settings.ConfigPath = settings.Resolve(settings.ConfigPath)
	settings.StatePath = settings.Resolve(settings.StatePath)
	if settings.Logging.File != "" {
		settings.Logging.File = settings.Resolve(settings.Logging.File)
	}

	return &settings, nil
}

// Resolve makes a relative path relative to DataDir.
func (s *Settings) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(s.DataDir, path)
}

func loadEnvFiles(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	return godotenv.Load(existing...)
}

// Dispatchers maps a dispatcher identity to its configuration.
type Dispatchers map[string]Dispatcher

// Dispatcher configures one mailing list and the channels it fans out to.
type Dispatcher struct {
	Email       string   `json:"email" validate:"omitempty,email"`
	Password    string   `json:"password"`
	IMAP        string   `json:"imap"`
	SrcEmail    string   `json:"src_email" validate:"omitempty,email"`
	SrcPassword string   `json:"src_password"`
	Sources     []string `json:"sources" validate:"dive,email"`
	Subject     string   `json:"subject"`

	SMTP *SMTPConfig `json:"smtp" validate:"omitempty"`

	TelegramBot            string   `json:"tg-bot"`
	TelegramAllowedUpdates []string `json:"tg_allowed_updates"`

	ViberBot               string `json:"viber-bot"`
	ViberChat              string `json:"viber-chat"`
	ViberChatAdmin         string `json:"viber-chat-admin"`
	ViberBotWelcomeMessage string `json:"viber_bot_welcome_message"`

	URLPrefix      string     `json:"url-prefix" validate:"omitempty,url"`
	AttachmentsDir string     `json:"attachments-dir"`
	FTP            *FTPConfig `json:"ftp" validate:"omitempty"`

	Disabled bool `json:"disabled"`
}

// SMTPConfig configures the preferred outbound mail transport.
type SMTPConfig struct {
	Host     string     `json:"host" validate:"required,hostname|ip"`
	Port     int        `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string     `json:"username"`
	Password string     `json:"password"`
	SSL      TLSOptions `json:"ssl"`
	TLS      TLSOptions `json:"tls"`
}

// TLSOptions enables implicit TLS or STARTTLS. It accepts either a boolean or
// an object of stream options.
type TLSOptions struct {
	Enabled         bool
	VerifyPeer      bool
	AllowSelfSigned bool
}

func (o *TLSOptions) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		*o = TLSOptions{Enabled: flag, VerifyPeer: true}
		return nil
	}

	var raw struct {
		VerifyPeer      *bool `json:"verify_peer"`
		VerifyPeerName  *bool `json:"verify_peer_name"`
		AllowSelfSigned bool  `json:"allow_self_signed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tls options must be a boolean or an object: %w", err)
	}

	verify := true
	if raw.VerifyPeer != nil && !*raw.VerifyPeer {
		verify = false
	}
	if raw.VerifyPeerName != nil && !*raw.VerifyPeerName {
		verify = false
	}

	*o = TLSOptions{Enabled: true, VerifyPeer: verify && !raw.AllowSelfSigned, AllowSelfSigned: raw.AllowSelfSigned}
	return nil
}

// FTPConfig configures the optional attachment mirror.
type FTPConfig struct {
	Host     string `json:"host" validate:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
	Dir      string `json:"dir"`
}

// LoadDispatchers reads and validates the dispatcher configuration file.
//
// Invalid dispatchers are returned in the error map and left out of the result.
func LoadDispatchers(path string) (Dispatchers, map[string]error, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}

	var raw Dispatchers
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse config file: %w", err)
	}

	valid := make(Dispatchers, len(raw))
	invalid := make(map[string]error)
	for name, dispatcher := range raw {
		dispatcher.normalize()
		if err := dispatcher.Validate(); err != nil {
			invalid[name] = err
			continue
		}
		if err := dispatcher.resolveSecrets(); err != nil {
			invalid[name] = err
			continue
		}
		valid[name] = dispatcher
	}

	return valid, invalid, nil
}

// Names returns dispatcher identities in a stable order.
func (d Dispatchers) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

func (d *Dispatcher) normalize() {
	d.Email = strings.TrimSpace(d.Email)
	d.SrcEmail = strings.TrimSpace(d.SrcEmail)
	d.IMAP = strings.TrimSpace(d.IMAP)
	d.URLPrefix = strings.TrimRight(strings.TrimSpace(d.URLPrefix), "/")
	d.Sources = parseList(d.Sources)
	if strings.TrimSpace(d.Subject) == "" {
		d.Subject = defaultSubject
	}
	if strings.TrimSpace(d.AttachmentsDir) == "" {
		d.AttachmentsDir = defaultAttachmentsDir
	}
	if d.FTP != nil && strings.TrimSpace(d.FTP.Dir) == "" {
		d.FTP.Dir = d.AttachmentsDir
	}
	// The relay authenticates as the control mailbox unless told otherwise.
	if d.SMTP != nil {
		if strings.TrimSpace(d.SMTP.Username) == "" {
			d.SMTP.Username = d.Email
		}
		if d.SMTP.Password == "" {
			d.SMTP.Password = d.Password
		}
	}
}

// SourceMailbox returns the credentials of the mailbox that carries dispatch
// content and whether it differs from the control mailbox.
func (d Dispatcher) SourceMailbox() (email string, password string, separate bool) {
	if d.SrcEmail == "" || strings.EqualFold(d.SrcEmail, d.Email) {
		return d.Email, d.Password, false
	}

	password = d.SrcPassword
	if password == "" {
		password = d.Password
	}

	return d.SrcEmail, password, true
}

// WebhookURL is the public callback address registered with Viber.
func (d Dispatcher) WebhookURL() string {
	return d.URLPrefix + "/viber_webhook"
}

// Enabled reports whether entry points should process the dispatcher.
func (d Dispatcher) Enabled() bool {
	return !d.Disabled
}

// parseList trims entries and drops empty ones.
func parseList(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

var errIMAPWithoutEmail = errors.New("imap is set but email is empty")
