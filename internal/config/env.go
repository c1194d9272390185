package config

import (
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfigPath  = "HOOKBRIDGE_CONFIG"
	EnvPort        = "HOOKBRIDGE_PORT"
	EnvHookTimeout = "HOOK_TIMEOUT_MS"
)

// ApplyEnv overrides cfg from the process environment.
func (cfg *Config) ApplyEnv() {
	cfg.applyEnv(os.LookupEnv)
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookupTrimmed(lookup, EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			log.Warnf("ignoring invalid %s=%q", EnvPort, v)
		} else {
			cfg.Server.Port = port
		}
	}
	if v, ok := lookupTrimmed(lookup, EnvHookTimeout); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			log.Warnf("ignoring invalid %s=%q", EnvHookTimeout, v)
			return
		}
		for name, hc := range cfg.Hooks {
			hc.TimeoutMs = ms
			cfg.Hooks[name] = hc
		}
	}
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
