package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Connection ConnectionConfig
	Lobby      LobbyConfig
	Mutation   MutationConfig
	Store      StoreConfig
}

var (
	configInstance *Config
	once           sync.Once
)

type ServerConfig struct {
	BaseURL        string
	WSURL          string
	RequestTimeout time.Duration
	CloseTimeout   time.Duration
}

type AuthConfig struct {
	Token string
}

type ConnectionConfig struct {
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxRetries   int
}

type LobbyConfig struct {
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	ReconcileInterval time.Duration
}

type MutationConfig struct {
	Timeout time.Duration
}

type StoreConfig struct {
	Backend  string // "file" or "redis"
	Path     string
	RedisURL string
}

func Load() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("GARDEN_API_URL", "http://localhost:8080")
		viper.SetDefault("GARDEN_WS_URL", "ws://localhost:8080/api/v1/ws")
		viper.SetDefault("GARDEN_REQUEST_TIMEOUT", 5*time.Second)
		viper.SetDefault("GARDEN_CLOSE_TIMEOUT", 10*time.Second)
		viper.SetDefault("GARDEN_PING_INTERVAL", 30*time.Second)
		viper.SetDefault("GARDEN_BACKOFF_BASE", time.Second)
		viper.SetDefault("GARDEN_BACKOFF_CAP", 30*time.Second)
		viper.SetDefault("GARDEN_MAX_RETRIES", 5)
		viper.SetDefault("GARDEN_HEALTH_INTERVAL", 30*time.Second)
		viper.SetDefault("GARDEN_HEALTH_TIMEOUT", 5*time.Second)
		viper.SetDefault("GARDEN_RECONCILE_INTERVAL", 30*time.Second)
		viper.SetDefault("GARDEN_MUTATION_TIMEOUT", 10*time.Second)
		viper.SetDefault("GARDEN_STORE_BACKEND", "file")
		viper.SetDefault("GARDEN_STORE_PATH", ".garden-sync.json")
		viper.SetDefault("GARDEN_REDIS_URL", "redis://127.0.0.1:6379/0")
		viper.AutomaticEnv()

		configInstance = &Config{
			Server: ServerConfig{
				BaseURL:        viper.GetString("GARDEN_API_URL"),
				WSURL:          viper.GetString("GARDEN_WS_URL"),
				RequestTimeout: viper.GetDuration("GARDEN_REQUEST_TIMEOUT"),
				CloseTimeout:   viper.GetDuration("GARDEN_CLOSE_TIMEOUT"),
			},
			Auth: AuthConfig{
				Token: viper.GetString("GARDEN_TOKEN"),
			},
			Connection: ConnectionConfig{
				PingInterval: viper.GetDuration("GARDEN_PING_INTERVAL"),
				BackoffBase:  viper.GetDuration("GARDEN_BACKOFF_BASE"),
				BackoffCap:   viper.GetDuration("GARDEN_BACKOFF_CAP"),
				MaxRetries:   viper.GetInt("GARDEN_MAX_RETRIES"),
			},
			Lobby: LobbyConfig{
				HealthInterval:    viper.GetDuration("GARDEN_HEALTH_INTERVAL"),
				HealthTimeout:     viper.GetDuration("GARDEN_HEALTH_TIMEOUT"),
				ReconcileInterval: viper.GetDuration("GARDEN_RECONCILE_INTERVAL"),
			},
			Mutation: MutationConfig{
				Timeout: viper.GetDuration("GARDEN_MUTATION_TIMEOUT"),
			},
			Store: StoreConfig{
				Backend:  viper.GetString("GARDEN_STORE_BACKEND"),
				Path:     viper.GetString("GARDEN_STORE_PATH"),
				RedisURL: viper.GetString("GARDEN_REDIS_URL"),
			},
		}
	})

	return configInstance, nil
}
