// Package config loads sentinel service settings from an optional YAML
// file with environment variable overrides applied on top.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ICAP     ICAPConfig     `yaml:"icap"`
	Ops      OpsConfig      `yaml:"ops"`
	DLP      DLPConfig      `yaml:"dlp"`
	Approval ApprovalConfig `yaml:"approval"`
	Clamd    ClamdConfig    `yaml:"clamd"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
}

type ICAPConfig struct {
	Addr string `yaml:"addr"`
}

// OpsConfig configures the metrics/health HTTP listener.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

type DLPConfig struct {
	PatternFile string `yaml:"pattern_file"`
}

// ApprovalConfig controls the OTT approval channel.
type ApprovalConfig struct {
	Domains      []string `yaml:"domains"`
	TimeGateSecs int      `yaml:"time_gate_secs"`
	OTTTTLSecs   int      `yaml:"ott_ttl_secs"`
}

type ClamdConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Socket string `yaml:"socket"`
}

// ValkeyConfig carries the shared-store connection settings. Passwords are
// never held here — each logical identity reads its own secret file at
// connect time.
type ValkeyConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	DLPSecretPath     string `yaml:"dlp_secret_path"`
	ReqmodSecretPath  string `yaml:"reqmod_secret_path"`
	RespmodSecretPath string `yaml:"respmod_secret_path"`
}

// Addr returns host:port for the store.
func (v ValkeyConfig) Addr() string {
	return v.Host + ":" + strconv.Itoa(v.Port)
}

// Load reads the config file at path (missing file is non-fatal — defaults
// plus environment apply), then layers env overrides and defaults.
func Load(path string) *Config {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			slog.Warn("config: file not loaded, using env/defaults", "path", path, "error", err)
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				slog.Warn("config: file decode failed, using env/defaults", "path", path, "error", err)
				cfg = &Config{}
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	c.ICAP.Addr = getEnv("POLIS_ICAP_ADDR", c.ICAP.Addr)
	c.Ops.Addr = getEnv("POLIS_OPS_ADDR", c.Ops.Addr)
	c.DLP.PatternFile = getEnv("POLIS_DLP_PATTERNS", c.DLP.PatternFile)

	if domains := getEnv("POLIS_APPROVAL_DOMAINS", ""); domains != "" {
		c.Approval.Domains = splitCSV(domains)
	}
	if v := getEnvInt("POLIS_APPROVAL_TIME_GATE_SECS", 0); v > 0 {
		c.Approval.TimeGateSecs = v
	}
	if v := getEnvInt("POLIS_OTT_TTL_SECS", 0); v > 0 {
		c.Approval.OTTTTLSecs = v
	}

	c.Clamd.Host = getEnv("POLIS_CLAMD_HOST", c.Clamd.Host)
	if v := getEnvInt("POLIS_CLAMD_PORT", 0); v > 0 && v <= 65535 {
		c.Clamd.Port = v
	}
	c.Clamd.Socket = getEnv("POLIS_CLAMD_SOCKET", c.Clamd.Socket)

	c.Valkey.Host = getEnv("VALKEY_HOST", c.Valkey.Host)
	if v := getEnvInt("VALKEY_PORT", 0); v > 0 && v <= 65535 {
		c.Valkey.Port = v
	}
	c.Valkey.TLSCert = getEnv("VALKEY_TLS_CERT", c.Valkey.TLSCert)
	c.Valkey.TLSKey = getEnv("VALKEY_TLS_KEY", c.Valkey.TLSKey)
	c.Valkey.TLSCA = getEnv("VALKEY_TLS_CA", c.Valkey.TLSCA)
}

func (c *Config) applyDefaults() {
	if c.ICAP.Addr == "" {
		c.ICAP.Addr = ":1344"
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = ":9090"
	}
	if c.DLP.PatternFile == "" {
		c.DLP.PatternFile = "/etc/polis/polis_dlp.conf"
	}
	if len(c.Approval.Domains) == 0 {
		c.Approval.Domains = []string{".api.telegram.org"}
	}
	if c.Approval.TimeGateSecs == 0 {
		c.Approval.TimeGateSecs = 15
	}
	if c.Approval.OTTTTLSecs == 0 {
		c.Approval.OTTTTLSecs = 600
	}
	if c.Clamd.Host == "" {
		c.Clamd.Host = "scanner"
	}
	if c.Clamd.Port == 0 {
		c.Clamd.Port = 3310
	}
	if c.Valkey.Host == "" {
		c.Valkey.Host = "localhost"
	}
	if c.Valkey.Port == 0 {
		c.Valkey.Port = 6379
	}
	if c.Valkey.DLPSecretPath == "" {
		c.Valkey.DLPSecretPath = "/run/secrets/valkey_dlp_password"
	}
	if c.Valkey.ReqmodSecretPath == "" {
		c.Valkey.ReqmodSecretPath = "/run/secrets/valkey_reqmod_password"
	}
	if c.Valkey.RespmodSecretPath == "" {
		c.Valkey.RespmodSecretPath = "/run/secrets/valkey_respmod_password"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
