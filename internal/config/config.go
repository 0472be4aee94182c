package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Camera   CameraConfig   `yaml:"camera"`
	Mosaic   MosaicConfig   `yaml:"mosaic"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// RegistryConfig はデバイスレジストリの設定
type RegistryConfig struct {
	Path string `yaml:"path"` // レジストリファイルのパス
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// レジストリに無いカメラへ割り当てる既定値
	DefaultCalibrationPath string `yaml:"default_calibration_path"`
	DefaultPixelFormat     string `yaml:"default_pixel_format"`

	Trigger      string        `yaml:"trigger"`       // 連続取り込みのトリガー方式
	IdleInterval time.Duration `yaml:"idle_interval"` // 取り込み対象が無い時の待ち時間
}

// MosaicConfig は全カメラを並べた画像の設定
type MosaicConfig struct {
	Width   int `yaml:"width"`   // 出力画像の幅
	Height  int `yaml:"height"`  // 出力画像の高さ
	Quality int `yaml:"quality"` // JPEG品質 (1-5)
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `yaml:"level"` // ログレベル
	JSON  bool   `yaml:"json"`  // JSON形式で出力するか
}

// Default はデフォルト値の設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Registry: RegistryConfig{
			Path: "boards.yaml",
		},
		Camera: CameraConfig{
			DefaultCalibrationPath: "default.dcf",
			DefaultPixelFormat:     string(frame.Mono8),
			Trigger:                hardware.TriggerContinuous.String(),
			IdleInterval:           200 * time.Millisecond,
		},
		Mosaic: MosaicConfig{
			Width:   1280,
			Height:  720,
			Quality: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load はデフォルト値に環境変数を反映した設定を読み込む
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// LoadFile はYAMLファイルの内容をデフォルト値に重ね、環境変数を反映した設定を読み込む
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Registry.Path = getEnvOrDefault("REGISTRY_PATH", c.Registry.Path)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("レジストリのパスが設定されていません")
	}

	if !frame.Format(c.Camera.DefaultPixelFormat).Supported() {
		return fmt.Errorf("無効なピクセル形式: %q", c.Camera.DefaultPixelFormat)
	}
	if _, err := hardware.ParseTriggerOption(c.Camera.Trigger); err != nil {
		return fmt.Errorf("無効なトリガー方式: %w", err)
	}
	if c.Camera.IdleInterval < 0 {
		return fmt.Errorf("待ち時間が負の値です: %s", c.Camera.IdleInterval)
	}

	if c.Mosaic.Width <= 0 || c.Mosaic.Height <= 0 {
		return fmt.Errorf("無効な結合画像サイズ: %dx%d", c.Mosaic.Width, c.Mosaic.Height)
	}
	if c.Mosaic.Quality < 1 || c.Mosaic.Quality > 5 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Mosaic.Quality)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %w", err)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TriggerOption は連続取り込みのトリガー方式を返す
func (c *Config) TriggerOption() hardware.TriggerOption {
	opt, err := hardware.ParseTriggerOption(c.Camera.Trigger)
	if err != nil {
		return hardware.TriggerContinuous
	}
	return opt
}

// ApplyLogging はログ設定をlogrusへ反映する
func (c *Config) ApplyLogging() {
	if level, err := log.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Log.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
