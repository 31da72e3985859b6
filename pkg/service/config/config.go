// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config centralizes antbs-server/antbsctl's environment-variable
// configuration, following this codebase's flag+env-var convention but
// packaged for reuse across both binaries instead of living inline in one
// main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every environment-configurable knob antbs-server reads at
// startup.
type Config struct {
	ListenAddr string

	// KVBackend selects component A's Store implementation: "redis" or
	// "memory" (single-process development/test only — state doesn't
	// survive a restart).
	KVBackend     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN, if set, switches component D's job store to the
	// Postgres-backed implementation instead of the Redis/in-memory one.
	PostgresDSN string

	RepoBase      string
	RecipeRepoURL string
	RecipeRepoRef string

	// SandboxBackend selects the Executor implementation: "local" or
	// "buildkit".
	SandboxBackend string
	// SandboxBackendsConfig optionally points at a YAML file describing a
	// pool of buildkit backends, mirroring buildkit.NewPoolFromConfig.
	SandboxBackendsConfig string

	WebhookManualToken string

	// AdminToken, if set, configures api.TokenAuthenticator as the admin
	// gate for /api/ajax and /pkg_review. Empty leaves those routes
	// permanently 403 (no Authenticator wired), the safe default until a
	// real identity provider is integrated.
	AdminToken string

	// SigningCommand is the external signer's argv, run in a sandbox
	// against each completed build's result directory. Empty disables
	// signing (txn.Engine.Signer stays nil).
	SigningCommand []string

	// ExtraPromotionDestinations is copied to MAIN_<arch> and, if
	// non-empty, every named extra destination (Open Question #1).
	ExtraPromotionDestinations []string

	PollInterval  time.Duration
	MonitorPeriod time.Duration

	EnableMetrics bool
	EnableTracing bool
	OTLPEndpoint  string
}

// Load reads Config from the process environment, loading an optional
// .env file first for local development; godotenv is the idiomatic
// addition for a service meant to run outside a container too.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	pollInterval, err := getEnvDuration("POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	monitorPeriod, err := getEnvDuration("MONITOR_PERIOD", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:                 getEnv("LISTEN_ADDR", ":8080"),
		KVBackend:                  getEnv("KV_BACKEND", "redis"),
		RedisAddr:                  getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:              getEnv("REDIS_PASSWORD", ""),
		RedisDB:                    redisDB,
		PostgresDSN:                getEnv("POSTGRES_DSN", ""),
		RepoBase:                   getEnv("REPO_BASE", "/var/lib/antbs/repo"),
		RecipeRepoURL:              getEnv("RECIPE_REPO_URL", ""),
		RecipeRepoRef:              getEnv("RECIPE_REPO_REF", "master"),
		SandboxBackend:             getEnv("SANDBOX_BACKEND", "local"),
		SandboxBackendsConfig:      getEnv("SANDBOX_BACKENDS_CONFIG", ""),
		WebhookManualToken:         getEnv("WEBHOOK_SECRET", ""),
		AdminToken:                 getEnv("ADMIN_TOKEN", ""),
		SigningCommand:             getEnvList("SIGNING_COMMAND"),
		ExtraPromotionDestinations: getEnvList("EXTRA_PROMOTION_DESTINATIONS"),
		PollInterval:               pollInterval,
		MonitorPeriod:              monitorPeriod,
		EnableMetrics:              getEnvBool("ENABLE_METRICS", true),
		EnableTracing:              getEnvBool("ENABLE_TRACING", false),
		OTLPEndpoint:               getEnv("OTLP_ENDPOINT", ""),
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if part := v[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SandboxBackendEntry is one buildkit daemon in a pool config file.
type SandboxBackendEntry struct {
	Addr string `yaml:"addr"`
	Arch string `yaml:"arch"`
}

// LoadSandboxBackends parses a YAML file whose top level is a list of
// {addr, arch} buildkit backends. This is not the shape
// buildkit.NewPoolFromConfig reads, which expects that list under a
// top-level "backends" key.
func LoadSandboxBackends(path string) ([]SandboxBackendEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox backends config %s: %w", path, err)
	}
	var entries []SandboxBackendEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing sandbox backends config %s: %w", path, err)
	}
	return entries, nil
}
