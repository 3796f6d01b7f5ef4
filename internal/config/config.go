// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キューのバックエンド種別
const (
	QueueBackendMemory = "memory"
	QueueBackendAsynq  = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名（空なら認証なし）
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル設定
	MaxFileSize int64  // アップロードの最大サイズ（バイト）
	UploadDir   string // アップロードされた入力の保存先
	OutputDir   string // 圧縮結果の保存先

	// エンコーダ設定
	FFmpegPath      string        // ffmpeg 実行ファイルのパス
	FFprobePath     string        // ffprobe 実行ファイルのパス
	CancelGrace     time.Duration // SIGTERM から SIGKILL までの猶予
	StderrTailLines int           // 失敗時に保持する標準エラーの行数

	// ジョブ/キュー設定
	WorkerCount      int           // 同時に実行するエンコード数
	QueueCapacity    int           // 0 なら無制限
	QueueBackend     string        // memory または asynq
	QueueRedisURL    string        // Asynq用Redis接続URL
	JobStoreRedisURL string        // ジョブ状態の保存先（空なら保存しない）
	JobRetention     time.Duration // 終了済みジョブを保持する時間（0 なら無期限）

	// 履歴・イベント
	HistoryDBPath string   // SQLite の履歴DB（空なら無効）
	KafkaBrokers  []string // ジョブイベントの送信先（空なら無効）
	KafkaTopic    string

	// ログ設定
	LogLevel string
	LogJSON  bool
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル設定
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 5*1024*1024*1024), // 5GB
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		OutputDir:   getEnv("OUTPUT_DIR", "compressed"),

		// エンコーダ設定
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:     getEnv("FFPROBE_PATH", "ffprobe"),
		CancelGrace:     getEnvAsDuration("CANCEL_GRACE_SECONDS", 5*time.Second),
		StderrTailLines: getEnvAsInt("STDERR_TAIL_LINES", 20),

		// ジョブ/キュー設定
		WorkerCount:      getEnvAsInt("WORKER_COUNT", 1),
		QueueCapacity:    getEnvAsInt("QUEUE_CAPACITY", 0),
		QueueBackend:     strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendMemory)),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobStoreRedisURL: getEnv("JOB_STORE_REDIS_URL", ""),
		JobRetention:     time.Duration(getEnvAsInt("JOB_RETENTION_MINUTES", 60)) * time.Minute,

		// 履歴・イベント
		HistoryDBPath: getEnv("HISTORY_DB_PATH", ""),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "compression-jobs"),

		// ログ設定
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvAsBool("LOG_JSON", false),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// AuthEnabled はログイン認証が有効かどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("QUEUE_CAPACITY must not be negative")
	}
	if c.JobRetention < 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must not be negative")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when QUEUE_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND: %s", c.QueueBackend)
	}
	if (c.AppUsername == "") != (c.AppPasswordHash == "") {
		return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH must be set together")
	}
	if c.AuthEnabled() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required when authentication is enabled")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.FFmpegPath == "" {
			return fmt.Errorf("FFMPEG_PATH is required in release mode")
		}
		if c.AuthEnabled() && len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は秒数または "30s" 形式の値を時間として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
