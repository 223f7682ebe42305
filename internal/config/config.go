package config

import "time"

// Config holds runtime configuration for the PreviewFlow server.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	WorkspaceRoot      string
	PreviewScheme      string
	PreviewHost        string
	JWTSecret          string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	FallbackPortLo     int
	FallbackPortHi     int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://previewflow:previewflow@db:5432/previewflow?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		WorkspaceRoot:      GetString("WORKSPACE_ROOT", "/tmp/previewflow"),
		PreviewScheme:      GetString("PREVIEW_SCHEME", "http"),
		PreviewHost:        GetString("PREVIEW_HOST", "localhost"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		FallbackPortLo:     GetInt("FALLBACK_PORT_LO", 42000),
		FallbackPortHi:     GetInt("FALLBACK_PORT_HI", 42999),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
