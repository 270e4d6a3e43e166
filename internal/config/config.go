package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Browser
	TargetURL       string
	ChromeRemoteURL string
	Headless        bool
	SweepInterval   time.Duration
	// Redis ledger
	RedisURL string
	// Event archive - empty disables Postgres
	DatabaseURL   string
	MigrationsDir string
	// Search - empty disables Meilisearch, ledger scan still answers
	MeiliURL       string
	MeiliMasterKey string
	// Snapshot journal - empty disables
	JournalDir string
	// Object storage backup - empty endpoint disables
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	BackupInterval time.Duration
}

func Load() Config {
	return Config{
		Addr:            getenv("SENTINEL_ADDR", ":8788"),
		CORSOrigin:      getenv("SENTINEL_CORS_ORIGIN", "*"),
		TargetURL:       getenv("SENTINEL_TARGET_URL", "https://x.com/home"),
		ChromeRemoteURL: getenv("SENTINEL_CHROME_URL", ""),
		Headless:        getenvBool("SENTINEL_HEADLESS", true),
		SweepInterval:   time.Duration(getenvInt("SENTINEL_SWEEP_SECONDS", 5)) * time.Second,
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		MigrationsDir:   getenv("SENTINEL_MIGRATIONS_DIR", "./db/migrations"),
		MeiliURL:        getenv("MEILI_URL", ""),
		MeiliMasterKey:  getenv("MEILI_MASTER_KEY", ""),
		JournalDir:      getenv("SENTINEL_JOURNAL_DIR", ""),
		MinioEndpoint:   getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:     getenv("MINIO_BUCKET", "sentinel-backups"),
		MinioUseSSL:     getenvBool("MINIO_USE_SSL", false),
		BackupInterval:  time.Duration(getenvInt("SENTINEL_BACKUP_MINUTES", 60)) * time.Minute,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
