package config

import (
	"time"

	"github.com/kinsware/handwrite/internal/httpclient"
)

type TransportConfig struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration // per read, not per request
	WriteTimeout    time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
}

func GetTransportConfig() TransportConfig {
	def := httpclient.DefaultConfig("")
	cfg := TransportConfig{
		ConnectTimeout:  getEnvDuration("LLM_CONNECT_TIMEOUT", def.ConnectTimeout),
		ReadTimeout:     getEnvDuration("LLM_READ_TIMEOUT", def.ReadTimeout),
		WriteTimeout:    getEnvDuration("LLM_WRITE_TIMEOUT", def.WriteTimeout),
		MaxIdleConns:    getEnvInt("LLM_MAX_IDLE_CONNS", def.MaxIdleConns),
		MaxConnsPerHost: getEnvInt("LLM_MAX_CONNS_PER_HOST", def.MaxConnsPerHost),
		IdleConnTimeout: getEnvDuration("LLM_IDLE_CONN_TIMEOUT", def.IdleConnTimeout),
	}

	cfg.MaxIdleConns = max(cfg.MaxIdleConns, 1)
	cfg.MaxConnsPerHost = max(cfg.MaxConnsPerHost, 1)
	return cfg
}

// HTTPClient converts the settings into an httpclient.Config named name.
func (c TransportConfig) HTTPClient(name string) httpclient.Config {
	cfg := httpclient.DefaultConfig(name)
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.MaxIdleConns = c.MaxIdleConns
	cfg.MaxIdleConnsPerHost = min(c.MaxConnsPerHost, c.MaxIdleConns)
	cfg.MaxConnsPerHost = c.MaxConnsPerHost
	cfg.IdleConnTimeout = c.IdleConnTimeout
	return cfg
}
