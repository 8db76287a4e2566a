// Package config loads the service configuration from the environment.
// cmd/server calls godotenv.Load first so a local .env file works the same
// way as real environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the container lifecycle implementation.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Config is the full service configuration. Zero values are filled with the
// documented defaults by Load.
type Config struct {
	Port        string
	MetricsPort string

	ContainerBackend Backend

	// Container lifecycle
	ContainerTTL     time.Duration // idle lifetime of an assigned container
	WarmPoolTTL      time.Duration
	WarmPoolMinSize  int
	WarmPoolMaxSize  int
	ReplenishPeriod  time.Duration
	GCPeriod         time.Duration
	GCOrphanCycle    int // orphan scan runs every Nth GC cycle
	StartupTimeout   time.Duration
	LockTTL          time.Duration
	EventTimeout     time.Duration
	HeartbeatPeriod  time.Duration
	ShutdownGrace    time.Duration
	SandboxImage     string
	SandboxSocketDir string // host dir bind-mounted for agent unix sockets
	SeccompProfile   string // optional path, empty disables
	ApparmorProfile  string // optional profile name, empty disables

	// Remote backend (ECS)
	ECSCluster        string
	ECSTaskDefinition string
	ECSSubnets        []string
	ECSSecurityGroups []string
	AgentPort         int
	ProxySidecarPort  int

	// Shared state
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	// Object store
	S3Bucket    string
	S3Prefix    string
	AWSRegion   string
	SigningHost string // requests to this host get SigV4 signatures

	// Credential-injection proxy
	ProxyAllowedDomains []string
	ProxyPort           int

	// Title generation
	TitleModelID string
}

// Load reads every recognized variable, applying defaults where unset, and
// validates the handful of combinations that cannot be defaulted.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envStr("PORT", "8080"),
		MetricsPort:      envStr("METRICS_PORT", "9090"),
		ContainerBackend: Backend(envStr("CONTAINER_BACKEND", "local")),

		ContainerTTL:     envDuration("CONTAINER_TTL_SECONDS", 3600),
		WarmPoolTTL:      envDuration("WARM_POOL_TTL_SECONDS", 1800),
		WarmPoolMinSize:  envInt("WARM_POOL_MIN_SIZE", 2),
		WarmPoolMaxSize:  envInt("WARM_POOL_MAX_SIZE", 10),
		ReplenishPeriod:  envDuration("WARM_POOL_REPLENISH_SECONDS", 30),
		GCPeriod:         envDuration("GC_PERIOD_SECONDS", 60),
		GCOrphanCycle:    envInt("GC_ORPHAN_CYCLE", 5),
		StartupTimeout:   envDuration("CONTAINER_STARTUP_TIMEOUT_SECONDS", 120),
		LockTTL:          envDuration("CONVERSATION_LOCK_TTL_SECONDS", 600),
		EventTimeout:     envDuration("EVENT_TIMEOUT_SECONDS", 300),
		HeartbeatPeriod:  envDuration("HEARTBEAT_INTERVAL_SECONDS", 10),
		ShutdownGrace:    envDuration("SHUTDOWN_GRACE_SECONDS", 30),
		SandboxImage:     envStr("SANDBOX_IMAGE", "workspace-agent:latest"),
		SandboxSocketDir: envStr("SANDBOX_SOCKET_DIR", "/var/run/workspace"),
		SeccompProfile:   os.Getenv("SANDBOX_SECCOMP_PROFILE"),
		ApparmorProfile:  os.Getenv("SANDBOX_APPARMOR_PROFILE"),

		ECSCluster:        os.Getenv("ECS_CLUSTER"),
		ECSTaskDefinition: os.Getenv("ECS_TASK_DEFINITION"),
		ECSSubnets:        envList("ECS_SUBNETS"),
		ECSSecurityGroups: envList("ECS_SECURITY_GROUPS"),
		AgentPort:         envInt("AGENT_PORT", 8088),
		ProxySidecarPort:  envInt("PROXY_SIDECAR_PORT", 8089),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		S3Bucket:    os.Getenv("WORKSPACE_S3_BUCKET"),
		S3Prefix:    envStr("WORKSPACE_S3_PREFIX", "workspaces"),
		AWSRegion:   envStr("AWS_REGION", "us-east-1"),
		SigningHost: os.Getenv("PROXY_SIGNING_HOST"),

		ProxyAllowedDomains: envList("PROXY_ALLOWED_DOMAINS"),
		ProxyPort:           envInt("PROXY_PORT", 8089),

		TitleModelID: envStr("TITLE_MODEL_ID", "anthropic.claude-3-haiku-20240307-v1:0"),
	}

	switch cfg.ContainerBackend {
	case BackendLocal, BackendRemote:
	default:
		return nil, fmt.Errorf("CONTAINER_BACKEND must be local or remote, got %q", cfg.ContainerBackend)
	}
	if cfg.ContainerBackend == BackendRemote && (cfg.ECSCluster == "" || cfg.ECSTaskDefinition == "") {
		return nil, fmt.Errorf("remote backend requires ECS_CLUSTER and ECS_TASK_DEFINITION")
	}
	if cfg.WarmPoolMinSize > cfg.WarmPoolMaxSize {
		return nil, fmt.Errorf("WARM_POOL_MIN_SIZE %d exceeds WARM_POOL_MAX_SIZE %d",
			cfg.WarmPoolMinSize, cfg.WarmPoolMaxSize)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
