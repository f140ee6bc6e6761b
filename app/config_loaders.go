package app

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// setDefaults registers every config key, so that environment variables
// are picked up for keys that are absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.socket_url", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("typing.stop_delay", DefaultTypingStopDelay)
	v.SetDefault("typing.expiry", "5s")
	v.SetDefault("presence.retention", "5m")
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("reconnect.initial_interval", "500ms")
	v.SetDefault("reconnect.max_interval", "30s")
	v.SetDefault("http.listen", "127.0.0.1:7070")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("log.level", slog.LevelDebug.String())
}

// loadDotEnv loads environment variables from a .env file in the working
// directory. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
