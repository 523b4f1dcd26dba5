package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	env "github.com/Netflix/go-env"
)

// ServerConfig configures the reference chat backend.
type ServerConfig struct {
	Port               int    `env:"PORT,default=8080"`
	MasterSecret       string `env:"MASTER_SECRET"`
	GinMode            string `env:"GIN_MODE,default=release"`
	TLSCertFile        string `env:"TLS_CERT_FILE"`
	TLSKeyFile         string `env:"TLS_KEY_FILE"`
	TokenExpirySeconds int    `env:"TOKEN_EXPIRY_SECONDS,default=604800"`
	StateFile          string `env:"STATE_FILE"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func (c ServerConfig) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySeconds) * time.Second
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	BackendURL     string        `env:"UCHAT_BACKEND_URL"`
	SocketPath     string        `env:"UCHAT_SOCKET_PATH,default=/socket.io/"`
	SessionDB      string        `env:"UCHAT_SESSION_DB,default=uchat-session.db"`
	LogLevel       string        `env:"UCHAT_LOG_LEVEL,default=info"`
	DevMode        bool          `env:"UCHAT_DEV_MODE,default=false"`
	RequestTimeout time.Duration `env:"UCHAT_REQUEST_TIMEOUT,default=10s"`
}

// SocketURL joins the backend URL with the socket path.
func (c ClientConfig) SocketURL() string {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return c.BackendURL + c.SocketPath
	}
	u.Path = c.SocketPath
	return u.String()
}

func processEnv() (env.EnvSet, error) {
	return env.EnvironToEnvSet(os.Environ())
}

func LoadServerConfig() (ServerConfig, error) {
	es, err := processEnv()
	if err != nil {
		return ServerConfig{}, err
	}
	return LoadServerConfigFromEnv(es)
}

func LoadServerConfigFromEnv(es env.EnvSet) (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Unmarshal(es, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("server config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return ServerConfig{}, fmt.Errorf("invalid PORT")
	}
	if cfg.MasterSecret == "" {
		return ServerConfig{}, fmt.Errorf("MASTER_SECRET is required")
	}
	if cfg.TokenExpirySeconds <= 0 {
		return ServerConfig{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return ServerConfig{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	es, err := processEnv()
	if err != nil {
		return ClientConfig{}, err
	}
	return LoadClientConfigFromEnv(es)
}

func LoadClientConfigFromEnv(es env.EnvSet) (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Unmarshal(es, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("client config: %w", err)
	}

	if cfg.BackendURL == "" {
		return ClientConfig{}, fmt.Errorf("UCHAT_BACKEND_URL is required")
	}
	u, err := url.Parse(cfg.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid UCHAT_BACKEND_URL")
	}
	if cfg.RequestTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("invalid UCHAT_REQUEST_TIMEOUT")
	}
	if cfg.SessionDB == "" {
		return ClientConfig{}, fmt.Errorf("UCHAT_SESSION_DB is required")
	}
	return cfg, nil
}
