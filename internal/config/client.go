package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client holds cardsync CLI settings.
type Client struct {
	Server           string
	Token            string
	DataDir          string
	Interval         time.Duration
	RequestTimeout   time.Duration
	ProbeInterval    time.Duration
	BatchSize        int
	MaxEntryAttempts int
	LogLevel         string
	LogFile          string
}

// DBPath is the sqlite cache location inside DataDir.
func (c Client) DBPath() string { return filepath.Join(c.DataDir, "cache.db") }

// NewViper returns a viper instance with client defaults, CARDSYNC_* env
// binding and an optional config.yaml looked up in the data directory.
func NewViper() *viper.Viper {
	v := viper.New()
	dir := defaultDataDir()
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("data-dir", dir)
	v.SetDefault("interval", 30*time.Second)
	v.SetDefault("request-timeout", 10*time.Second)
	v.SetDefault("probe-interval", 5*time.Second)
	v.SetDefault("batch-size", 100)
	v.SetDefault("max-entry-attempts", 5)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", filepath.Join(dir, "cardsync.log"))

	v.SetEnvPrefix("CARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

// LoadClient reads the optional config file and resolves all keys.
func LoadClient(v *viper.Viper) (Client, error) {
	v.AddConfigPath(v.GetString("data-dir"))
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Client{}, err
		}
	}
	c := Client{
		Server:           strings.TrimRight(v.GetString("server"), "/"),
		Token:            v.GetString("token"),
		DataDir:          v.GetString("data-dir"),
		Interval:         v.GetDuration("interval"),
		RequestTimeout:   v.GetDuration("request-timeout"),
		ProbeInterval:    v.GetDuration("probe-interval"),
		BatchSize:        v.GetInt("batch-size"),
		MaxEntryAttempts: v.GetInt("max-entry-attempts"),
		LogLevel:         v.GetString("log-level"),
		LogFile:          v.GetString("log-file"),
	}
	switch {
	case c.Server == "":
		return Client{}, errors.New("missing server url")
	case c.Token == "":
		return Client{}, errors.New("missing token (--token / CARDSYNC_TOKEN)")
	case c.Interval <= 0:
		return Client{}, errors.New("interval must be positive")
	case c.BatchSize <= 0:
		return Client{}, errors.New("batch-size must be positive")
	}
	return c, nil
}

func defaultDataDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "cardsync")
	}
	return ".cardsync"
}
