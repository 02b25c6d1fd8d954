package main

import (
	"errors"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Redis defines the redis-specific configuration options. When Addr is
// empty, authentication records are cached in memory.
type Redis struct {
	Addr        string        `yaml:"addr"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Cluster     bool          `yaml:"cluster"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// AuthCache defines the configuration of the authentication cache.
type AuthCache struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Backend defines the location of the backend application.
type Backend struct {
	Scheme      string        `yaml:"scheme"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	BasePath    string        `yaml:"base_path"`
	MessagePath string        `yaml:"message_path"`
	HTTPAuth    string        `yaml:"http_auth"`
	StrictSSL   bool          `yaml:"strict_ssl"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TLS defines the certificate used to serve HTTPS.
type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Server defines the relay server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`

	// websocket/relay configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	ReadRate                float64       `yaml:"read_rate"`
	ReadBurst               int           `yaml:"read_burst"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	SendQueueSize           int           `yaml:"send_queue_size"`
	SlowProcessMsgThreshold time.Duration `yaml:"slow_process_msg_threshold"`
}

// Config defines the configuration options of the server.
type Config struct {
	Server    *Server    `yaml:"server"`
	Backend   *Backend   `yaml:"backend"`
	Redis     *Redis     `yaml:"redis"`
	AuthCache *AuthCache `yaml:"auth_cache"`
	TLS       *TLS       `yaml:"tls"`

	ServiceKey                string        `yaml:"service_key"`
	BaseAuthPath              string        `yaml:"base_auth_path"`
	ClientsCanWriteToClients  bool          `yaml:"clients_can_write_to_clients"`
	ClientsCanWriteToChannels bool          `yaml:"clients_can_write_to_channels"`
	PresenceDelay             time.Duration `yaml:"presence_delay"`
	ContentChannelDelay       time.Duration `yaml:"content_channel_delay"`
	Extensions                []string      `yaml:"extensions"`
	Debug                     bool          `yaml:"debug"`
}

func getDefaultConfig() *Config {
	return &Config{
		Server: &Server{
			Addr:                    ":" + strconv.Itoa(*portFlag),
			Paths:                   []string{"/ws"},
			ReadLimit:               0,
			ReadTimeout:             0,
			WriteLimit:              0,
			WriteTimeout:            0,
			AcquireWriteLockTimeout: 0,
			PingInterval:            25 * time.Second,
			SlowProcessMsgThreshold: 100 * time.Millisecond,
		},
		Backend: &Backend{
			Scheme:      "http",
			Host:        "localhost",
			BasePath:    "/",
			MessagePath: "nodejs/message",
			StrictSSL:   true,
			Timeout:     10 * time.Second,
		},
		Redis: &Redis{
			Addr:    *redisAddrFlag,
			Cluster: *redisClusterFlag,
		},
		AuthCache:           &AuthCache{},
		BaseAuthPath:        "/nodejs/",
		PresenceDelay:       2 * time.Second,
		ContentChannelDelay: 2 * time.Second,
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	if err := checkConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

// checkConfig validates the configuration. Sections removed by the file
// (e.g. "backend: ~") are rejected, except tls which is optional.
func checkConfig(conf *Config) error {
	if conf.Server == nil || conf.Backend == nil || conf.Redis == nil || conf.AuthCache == nil {
		return errors.New("server, backend, redis and auth_cache sections must not be null")
	}
	if len(conf.Server.Paths) == 0 {
		return errors.New("server.paths must have at least one path")
	}
	switch conf.Backend.Scheme {
	case "http", "https":
	default:
		return errors.New("backend.scheme must be http or https")
	}
	if conf.Redis.Cluster && conf.Redis.Addr == "" {
		return errors.New("redis.addr must be set to use a redis cluster")
	}
	if conf.TLS != nil && (conf.TLS.Cert == "" || conf.TLS.Key == "") {
		return errors.New("both tls.cert and tls.key must be set")
	}
	return nil
}
