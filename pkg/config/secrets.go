package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const (
	keyringService = "mailbridge"
	keyringPrefix  = "keyring:"
)

// lookupSecret is replaced in tests.
var lookupSecret = keyringGet

func openKeyring() (keyring.Keyring, error) {
	filePassword := os.Getenv("MAILBRIDGE_KEYRING_PASSWORD")
	if filePassword == "" {
		filePassword = keyringService
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailbridge/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}

	return ring, nil
}

func keyringGet(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", key, err)
	}

	return string(item.Data), nil
}

// StoreSecret saves a value that config files can reference as keyring:<key>.
func StoreSecret(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("set secret %q: %w", key, err)
	}

	return nil
}

// resolveSecret returns value unchanged unless it references the keyring.
func resolveSecret(value string) (string, error) {
	key, ok := strings.CutPrefix(value, keyringPrefix)
	if !ok {
		return value, nil
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty keyring reference")
	}

	return lookupSecret(key)
}

func (d *Dispatcher) resolveSecrets() error {
	fields := []*string{&d.Password, &d.SrcPassword, &d.TelegramBot, &d.ViberBot, &d.ViberChat}
	if d.SMTP != nil {
		fields = append(fields, &d.SMTP.Password)
	}
	if d.FTP != nil {
		fields = append(fields, &d.FTP.Password)
	}

	for _, field := range fields {
		resolved, err := resolveSecret(*field)
		if err != nil {
			return err
		}
		*field = resolved
	}

	return nil
}
