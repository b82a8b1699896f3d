package qrelay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of the serve flags. Keys match flag names.
type FileConfig struct {
	SocksAddr           string   `yaml:"socks-addr"`
	WSAddr              string   `yaml:"ws-addr"`
	BindHost            string   `yaml:"bind-host"`
	PublicAddr          string   `yaml:"public-addr"`
	ProxyIP             string   `yaml:"proxy-ip"`
	TrustForwardHeaders *bool    `yaml:"trust-forward-headers"`
	NoWS                *bool    `yaml:"no-ws"`
	UDPTimeout          string   `yaml:"udp-timeout"`
	ConnectWait         string   `yaml:"connect-wait"`
	ConnectTimeout      string   `yaml:"connect-timeout"`
	BufferSize          int      `yaml:"buffer-size"`
	AcceptRate          float64  `yaml:"accept-rate"`
	AcceptBurst         int      `yaml:"accept-burst"`
	MetricsAddr         string   `yaml:"metrics-addr"`
	UPnP                *bool    `yaml:"upnp"`
	Allow               []string `yaml:"allow"`
	Debug               int      `yaml:"debug"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Settings returns the fields present in the file keyed by flag name.
func (c *FileConfig) Settings() map[string]interface{} {
	out := make(map[string]interface{})
	setString := func(key, v string) {
		if v != "" {
			out[key] = v
		}
	}
	setString("socks-addr", c.SocksAddr)
	setString("ws-addr", c.WSAddr)
	setString("bind-host", c.BindHost)
	setString("public-addr", c.PublicAddr)
	setString("proxy-ip", c.ProxyIP)
	setString("udp-timeout", c.UDPTimeout)
	setString("connect-wait", c.ConnectWait)
	setString("connect-timeout", c.ConnectTimeout)
	setString("metrics-addr", c.MetricsAddr)
	if c.TrustForwardHeaders != nil {
		out["trust-forward-headers"] = *c.TrustForwardHeaders
	}
	if c.NoWS != nil {
		out["no-ws"] = *c.NoWS
	}
	if c.UPnP != nil {
		out["upnp"] = *c.UPnP
	}
	if c.BufferSize > 0 {
		out["buffer-size"] = c.BufferSize
	}
	if c.AcceptRate > 0 {
		out["accept-rate"] = c.AcceptRate
	}
	if c.AcceptBurst > 0 {
		out["accept-burst"] = c.AcceptBurst
	}
	if len(c.Allow) > 0 {
		out["allow"] = c.Allow
	}
	if c.Debug > 0 {
		out["debug"] = c.Debug
	}
	return out
}
