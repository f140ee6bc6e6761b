package app

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		// URL is the base URL of the chat server's REST API.
		URL string `mapstructure:"url" validate:"required,url"`
		// SocketURL is the websocket endpoint. It defaults to URL with a ws scheme and the /ws path.
		SocketURL string `mapstructure:"socket_url" validate:"omitempty,url"`
	} `mapstructure:"server"`
	Auth struct {
		// Token is the bearer token of the user. Without one the engine starts halted.
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`
	Typing struct {
		StopDelay time.Duration `mapstructure:"stop_delay" validate:"gt=0"`
		Expiry    time.Duration `mapstructure:"expiry" validate:"gt=0"`
	} `mapstructure:"typing"`
	Presence struct {
		Retention time.Duration `mapstructure:"retention" validate:"gt=0"`
	} `mapstructure:"presence"`
	Fetch struct {
		Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	} `mapstructure:"fetch"`
	Reconnect struct {
		InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
		MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	} `mapstructure:"reconnect"`
	HTTP struct {
		// Listen is the address of the read model view. Empty disables it.
		Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
		// AllowedOrigins is a list of origins that are allowed to call the view.
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"http"`
	Log struct {
		Level slog.Level `mapstructure:"level"`
	} `mapstructure:"log"`
	valid bool
}

// LoadConfig loads the configuration from the config file, a .env file and
// environment variables, in increasing order of precedence. Values bound to
// v beforehand, such as command line flags, take precedence over all of them.
// An empty file looks for chatsync.yaml in the working directory and does not
// fail when there is none.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("chatsync")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("chatsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// SocketEndpoint returns the websocket URL, derived from the server URL
// unless configured.
func (c *Config) SocketEndpoint() (string, error) {
	if c.Server.SocketURL != "" {
		return c.Server.SocketURL, nil
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func FormatValidationErrors(err error) string {

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
