package config

import (
	"retell/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Telegram struct {
		Token   string `env:"TELEGRAM_BOT_TOKEN"`
		OwnerID int64  `env:"TELEGRAM_OWNER_ID"`
	}

	Defaults struct {
		Model     string `env:"DEFAULT_MODEL_NAME" env-default:"large"`
		Languages string `env:"DEFAULT_LANG" env-default:"ru"`
		Timezone  string `env:"TZ" env-default:"Europe/Moscow"`
	}

	Engine struct {
		Binary      string `env:"WHISPER_BINARY" env-default:"whisper-cli"`
		Device      string `env:"WHISPER_DEVICE" env-default:"cpu"`
		ComputeType string `env:"WHISPER_COMPUTE_TYPE" env-default:"int8"`
		ModelDir    string `env:"MODEL_CACHE_DIR" env-default:".models"`
	}

	Media struct {
		FFmpegPath       string `env:"FFMPEG_PATH" env-default:"ffmpeg"`
		FFprobePath      string `env:"FFPROBE_PATH" env-default:"ffprobe"`
		TempDir          string `env:"TEMP_DIR" env-default:".tmp"`
		MaxDownloadBytes int64  `env:"MAX_DOWNLOAD_BYTES" env-default:"2147483648"`
	}

	Progress struct {
		EditIntervalSeconds int `env:"LOW_PRIORITY_EDIT_INTERVAL_SECONDS" env-default:"120"`
	}

	Shutdown struct {
		GracePeriodSeconds int `env:"STOP_GRACE_PERIOD" env-default:"3500"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `env:"REDIS_PASSWORD" env-default:""`
		DB       int    `env:"REDIS_DB" env-default:"0"`
	}

	S3 struct {
		Endpoint  string `env:"S3_ENDPOINT"`
		AccessKey string `env:"S3_ACCESS_KEY"`
		SecretKey string `env:"S3_SECRET_KEY"`
		Bucket    string `env:"S3_MODEL_BUCKET"`
		Region    string `env:"S3_REGION" env-default:"ru-central1"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" env-default:"debug"`
	}
}

// LoadConfig reads configuration from the environment, with .env loaded
// first for development setups. Called once at startup; the result is
// treated as immutable afterwards.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}
