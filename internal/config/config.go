package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"multicam/internal/logging"
	"multicam/internal/monitor"
)

// EnvPrefix は環境変数のプレフィックス (例: MULTICAM_SERVER_PORT)
const EnvPrefix = "MULTICAM"

// レンダラーの種類
const (
	RendererFile = "file"
	RendererMock = "mock"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	Scene    SceneConfig    `yaml:"scene"`
	Store    StoreConfig    `yaml:"store"`
	Renderer RendererConfig `yaml:"renderer"`
	Monitor  monitor.Config `yaml:"monitor"`
	Logging  logging.Config `yaml:"logging" envconfig:"LOG"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`

	// CORS で許可するオリジン（"*" で全許可）
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`

	// 操作系APIのレート制限（クライアントIPごと）
	RateLimitEnabled bool    `yaml:"rate_limit_enabled" split_words:"true"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" split_words:"true"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" split_words:"true"`
}

// CaptureConfig はキャプチャ制御の設定
type CaptureConfig struct {
	// DefaultOutputPath は永続化データに出力先がない場合の共有出力先
	DefaultOutputPath string `yaml:"default_output_path" split_words:"true"`

	// TickInterval はホストの更新ループの周期
	TickInterval time.Duration `yaml:"tick_interval" split_words:"true"`

	// ResolveInterval はアクティブなカメラを再解決する周期
	ResolveInterval time.Duration `yaml:"resolve_interval" split_words:"true"`

	// EventBuffer はイベント購読者ごとのバッファサイズ
	EventBuffer int `yaml:"event_buffer" split_words:"true"`
}

// SceneConfig はシーン記述ファイルの設定
type SceneConfig struct {
	Path string `yaml:"path"`

	// Viewport はプレビュー終了時に戻すビューポートのカメラ
	Viewport string `yaml:"viewport"`
}

// StoreConfig は永続化の設定
type StoreConfig struct {
	// Path はスナップショットのパス。拡張子 (.json/.yaml/.yml/.toml) で形式が決まる
	Path string `yaml:"path"`

	// Exclude に一致するカメラは保存しない（ビューポート組み込みカメラなど）
	Exclude []string `yaml:"exclude"`
}

// RendererConfig はフレームレンダラーの設定
type RendererConfig struct {
	Type string `yaml:"type"` // "file" または "mock"

	// FFmpegPath は動画エンコードに使う ffmpeg のパス
	FFmpegPath string `yaml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`

	// MaxFPS はレンダラーが出せる最大フレームレート（0 で無制限）
	MaxFPS int `yaml:"max_fps" split_words:"true"`

	// EncodeTimeout は動画エンコード1回あたりのタイムアウト
	EncodeTimeout time.Duration `yaml:"encode_timeout" split_words:"true"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     0, // WebSocket 用にタイムアウト無効化
			AllowedOrigins:   []string{"*"},
			RateLimitEnabled: true,
			RateLimitRPS:     20,
			RateLimitBurst:   40,
		},
		Capture: CaptureConfig{
			DefaultOutputPath: "captures",
			TickInterval:      time.Second / 60,
			ResolveInterval:   time.Second,
			EventBuffer:       64,
		},
		Scene: SceneConfig{
			Path:     "scene.yaml",
			Viewport: "/OmniverseKit_Persp",
		},
		Store: StoreConfig{
			Path:    "multicam_state.json",
			Exclude: []string{"**/OmniverseKit_*"},
		},
		Renderer: RendererConfig{
			Type:          RendererFile,
			FFmpegPath:    "ffmpeg",
			EncodeTimeout: 10 * time.Minute,
		},
		Monitor: monitor.DefaultConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（path が空でなければ） → 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("無効なオリジン: %q", origin))
		}
	}
	if c.Server.RateLimitEnabled && (c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1) {
		errs = append(errs, fmt.Errorf("無効なレート制限: %v rps, burst %d", c.Server.RateLimitRPS, c.Server.RateLimitBurst))
	}

	// キャプチャ設定の検証
	if c.Capture.DefaultOutputPath == "" {
		errs = append(errs, errors.New("デフォルト出力先が設定されていません"))
	}
	if c.Capture.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("無効なティック周期: %v", c.Capture.TickInterval))
	}
	if c.Capture.ResolveInterval < 0 {
		errs = append(errs, fmt.Errorf("無効な再解決周期: %v", c.Capture.ResolveInterval))
	}

	if c.Store.Path == "" {
		errs = append(errs, errors.New("保存先が設定されていません"))
	}
	for _, pattern := range c.Store.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("無効な除外パターン: %q", pattern))
		}
	}

	switch c.Renderer.Type {
	case RendererFile, RendererMock:
	default:
		errs = append(errs, fmt.Errorf("不明なレンダラー: %q", c.Renderer.Type))
	}
	if c.Renderer.MaxFPS < 0 {
		errs = append(errs, fmt.Errorf("無効な最大フレームレート: %d", c.Renderer.MaxFPS))
	}

	if err := c.Monitor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
