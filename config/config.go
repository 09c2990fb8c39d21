package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds environment driven configuration values.
// Credentials should never have defaults inside code and must be provided via config.json or the environment.
type AppConfig struct {
	AppPort            string
	AllowedOrigins     []string
	RateLimitPerMinute int
	// Gin framework configuration
	GinMode string
	GinPath string
	// Storage: mysql | sqlite | mongo | s3 | memory
	StorageDriver   string
	ChunkSizeKB     int
	UploadMaxSizeMB int
	// SQL backend
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	SQLitePath  string
	// GridFS backend
	MongoURI      string
	MongoDatabase string
	// S3 backend
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool
	// Redis guards the orphan sweep; empty host disables the lock
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	// Bucket namespaces
	PublicBucket          string
	PublicNaming          string
	PublicUploadResponse  string
	PrivateBucket         string
	PrivateNaming         string
	PrivateUploadResponse string
	PrivatePathPrefix     string
	// Orphan sweep
	SweepIntervalMinutes int
	SweepGraceMinutes    int
	// Notice bar configuration
	NoticeTitle string
	NoticeHTML  string
}

var cfg AppConfig
var loaded bool

// Load loads the application configuration. It should be called once during boot.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	// Precedence: config/config.json -> defaults -> environment (.env fills unset variables)
	if err := loadDotEnv(".env"); err != nil {
		log.Fatalf("invalid .env: %v", err)
	}
	if err := loadJSONConfig(filepath.Join("config", "config.json"), &cfg); err != nil {
		log.Fatalf("invalid config/config.json: %v", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	loaded = true
	return cfg
}

// loadDotEnv exports the variables of a local .env file that are not already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

// ChunkSizeBytes is the configured chunk size in bytes.
func (c AppConfig) ChunkSizeBytes() int {
	return c.ChunkSizeKB * 1024
}

// UploadMaxBytes is the largest accepted upload body.
func (c AppConfig) UploadMaxBytes() int64 {
	return int64(c.UploadMaxSizeMB) << 20
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads JSON file into cfg if present. Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) bool {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
		return false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		if v, ok := m[key]; ok {
			if arr, ok := v.([]any); ok {
				res := make([]string, 0, len(arr))
				for _, it := range arr {
					if s, ok := it.(string); ok {
						res = append(res, s)
					}
				}
				return res
			}
		}
		return nil
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		if v := getInt(app, "RateLimitPerMinute"); v != 0 {
			out.RateLimitPerMinute = v
		}
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
	}

	if st, ok := raw["storage"].(map[string]any); ok {
		out.StorageDriver = getString(st, "Driver")
		out.ChunkSizeKB = getInt(st, "ChunkSizeKB")
		out.UploadMaxSizeMB = getInt(st, "UploadMaxSizeMB")
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
		out.SQLitePath = getString(dbs, "SQLitePath")
	}

	if mg, ok := raw["mongo"].(map[string]any); ok {
		out.MongoURI = getString(mg, "URI")
		out.MongoDatabase = getString(mg, "Database")
	}

	if s3, ok := raw["s3"].(map[string]any); ok {
		out.S3Endpoint = getString(s3, "Endpoint")
		out.S3Region = getString(s3, "Region")
		out.S3Bucket = getString(s3, "Bucket")
		out.S3AccessKey = getString(s3, "AccessKey")
		out.S3SecretKey = getString(s3, "SecretKey")
		out.S3UseSSL = getBool(s3, "UseSSL")
		out.S3PathStyle = getBool(s3, "PathStyle")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		if v := getInt(rds, "RedisPort"); v != 0 {
			out.RedisPort = v
		}
		if v := getInt(rds, "RedisDB"); v != 0 {
			out.RedisDB = v
		}
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		if v := getString(lg, "Level"); v != "" {
			out.LogLevel = v
		}
		if v := getString(lg, "Path"); v != "" {
			out.LogPath = v
		}
		// Gin settings under log
		if v := getString(lg, "GinMode"); v != "" {
			out.GinMode = v
		}
		if v := getString(lg, "GinPath"); v != "" {
			out.GinPath = v
		}
		if v := getInt(lg, "MaxSizeMB"); v != 0 {
			out.LogMaxSizeMB = v
		}
		if v := getInt(lg, "MaxBackups"); v != 0 {
			out.LogMaxBackups = v
		}
		if v := getInt(lg, "MaxAgeDays"); v != 0 {
			out.LogMaxAgeDays = v
		}
		out.LogCompress = getBool(lg, "Compress")
	}

	if bk, ok := raw["buckets"].(map[string]any); ok {
		if pub, ok := bk["public"].(map[string]any); ok {
			out.PublicBucket = getString(pub, "Name")
			out.PublicNaming = getString(pub, "Naming")
			out.PublicUploadResponse = getString(pub, "UploadResponse")
		}
		if priv, ok := bk["private"].(map[string]any); ok {
			out.PrivateBucket = getString(priv, "Name")
			out.PrivateNaming = getString(priv, "Naming")
			out.PrivateUploadResponse = getString(priv, "UploadResponse")
			out.PrivatePathPrefix = getString(priv, "PathPrefix")
		}
		if v := getInt(bk, "SweepIntervalMinutes"); v != 0 {
			out.SweepIntervalMinutes = v
		}
		if v := getInt(bk, "SweepGraceMinutes"); v != 0 {
			out.SweepGraceMinutes = v
		}
	}

	if nt, ok := raw["notice"].(map[string]any); ok {
		out.NoticeTitle = getString(nt, "Title")
		out.NoticeHTML = getString(nt, "HTML")
	}

	// flat keys for backward compatibility
	if v, ok := raw["AppPort"]; ok && out.AppPort == "" {
		out.AppPort, _ = v.(string)
	}
	if v, ok := raw["DatabaseURI"]; ok && out.DatabaseURI == "" {
		out.DatabaseURI, _ = v.(string)
	}
	if v, ok := raw["MongoURI"]; ok && out.MongoURI == "" {
		out.MongoURI, _ = v.(string)
	}
	if v, ok := raw["LogLevel"]; ok && out.LogLevel == "" {
		out.LogLevel, _ = v.(string)
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "3000"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.StorageDriver == "" {
		c.StorageDriver = "mysql"
	}
	if c.ChunkSizeKB == 0 {
		c.ChunkSizeKB = 255
	}
	if c.UploadMaxSizeMB == 0 {
		c.UploadMaxSizeMB = 50
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		c.DBPort = "3306"
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "filebox"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/filebox.db"
	}
	if c.MongoURI == "" {
		c.MongoURI = "mongodb://127.0.0.1:27017"
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "filebox"
	}
	if c.S3Bucket == "" {
		c.S3Bucket = "filebox"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
	if c.PublicBucket == "" {
		c.PublicBucket = "uploads"
	}
	if c.PublicNaming == "" {
		c.PublicNaming = "random"
	}
	if c.PublicUploadResponse == "" {
		c.PublicUploadResponse = "redirect"
	}
	if c.PrivateBucket == "" {
		c.PrivateBucket = "safe-uploads"
	}
	if c.PrivateNaming == "" {
		c.PrivateNaming = "original"
	}
	if c.PrivateUploadResponse == "" {
		c.PrivateUploadResponse = "json"
	}
	if c.PrivatePathPrefix == "" {
		c.PrivatePathPrefix = "/vault-3e7a"
	}
	if c.SweepIntervalMinutes == 0 {
		c.SweepIntervalMinutes = 10
	}
	if c.SweepGraceMinutes == 0 {
		c.SweepGraceMinutes = 60
	}
	if c.NoticeTitle == "" {
		c.NoticeTitle = "Notice"
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	if v := getEnv("PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = readListEnv("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	}
	if v := getEnv("STORAGE_DRIVER", ""); v != "" {
		c.StorageDriver = v
	}
	if v := getEnv("CHUNK_SIZE_KB", ""); v != "" {
		c.ChunkSizeKB = mustParseInt(v)
	}
	if v := getEnv("UPLOAD_MAX_SIZE_MB", ""); v != "" {
		c.UploadMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("DATABASE_URL", ""); v != "" { // compatibility
		c.DatabaseURI = v
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("SQLITE_PATH", ""); v != "" {
		c.SQLitePath = v
	}
	if v := getEnv("MONGO_URI", ""); v != "" {
		c.MongoURI = v
	}
	if v := getEnv("MONGO_DATABASE", ""); v != "" {
		c.MongoDatabase = v
	}
	if v := getEnv("S3_ENDPOINT", ""); v != "" {
		c.S3Endpoint = v
	}
	if v := getEnv("S3_REGION", ""); v != "" {
		c.S3Region = v
	}
	if v := getEnv("S3_BUCKET", ""); v != "" {
		c.S3Bucket = v
	}
	if v := getEnv("S3_ACCESS_KEY", ""); v != "" {
		c.S3AccessKey = v
	}
	if v := getEnv("S3_SECRET_KEY", ""); v != "" {
		c.S3SecretKey = v
	}
	if v := getEnv("S3_USE_SSL", ""); v != "" {
		c.S3UseSSL = v == "true"
	}
	if v := getEnv("S3_PATH_STYLE", ""); v != "" {
		c.S3PathStyle = v == "true"
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	// Logging env overrides
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
	// Namespaces
	if v := getEnv("PUBLIC_BUCKET", ""); v != "" {
		c.PublicBucket = v
	}
	if v := getEnv("PUBLIC_NAMING", ""); v != "" {
		c.PublicNaming = v
	}
	if v := getEnv("PUBLIC_UPLOAD_RESPONSE", ""); v != "" {
		c.PublicUploadResponse = v
	}
	if v := getEnv("PRIVATE_BUCKET", ""); v != "" {
		c.PrivateBucket = v
	}
	if v := getEnv("PRIVATE_NAMING", ""); v != "" {
		c.PrivateNaming = v
	}
	if v := getEnv("PRIVATE_UPLOAD_RESPONSE", ""); v != "" {
		c.PrivateUploadResponse = v
	}
	if v := getEnv("PRIVATE_PATH_PREFIX", ""); v != "" {
		c.PrivatePathPrefix = v
	}
	if v := getEnv("SWEEP_INTERVAL_MINUTES", ""); v != "" {
		c.SweepIntervalMinutes = mustParseInt(v)
	}
	if v := getEnv("SWEEP_GRACE_MINUTES", ""); v != "" {
		c.SweepGraceMinutes = mustParseInt(v)
	}
	if v := getEnv("NOTICE_TITLE", ""); v != "" {
		c.NoticeTitle = v
	}
	if v := getEnv("NOTICE_HTML", ""); v != "" {
		c.NoticeHTML = v
	}
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func readListEnv(key string, defaults []string) []string {
	if raw := os.Getenv(key); raw != "" {
		return splitAndTrim(raw)
	}
	return defaults
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
