package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// RecipientKey is the env file key holding the notification address.
const RecipientKey = "EMAIL"

// ReadEnvFile parses a dotenv style KEY=VALUE file without touching the
// process environment.
func ReadEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}

// RecipientFromEnvFile returns EMAIL from the env file at path, or fallback
// when the file is absent, malformed or has no such key.
func RecipientFromEnvFile(path, fallback string) string {
	if path == "" {
		return fallback
	}

	values, err := ReadEnvFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to read notify env file, using default recipient", "path", path, "err", err)
		}

		return fallback
	}

	if v := values[RecipientKey]; v != "" {
		return v
	}

	return fallback
}
