// Package store カメラ設定一式のスナップショットをローカルファイルに保存・復元する
//
// # 仕様
// - 保存は常にスナップショット全体の上書き（一時ファイルに書いてからリネーム）
// - ファイルがない場合は空のスナップショットを返し、エラーにしない
// - 対応より新しいバージョンのファイルは読み込まない (ErrUnsupportedVersion)
// - 未知のフィールドは無視し、欠けている任意フィールドはデフォルト値で補う
// - 除外パターンに一致するカメラ（ビューポート組み込みカメラ）は保存しない
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"multicam/internal/camera"
)

// CurrentVersion は書き出すスナップショットのバージョン
const CurrentVersion = 1

// ErrUnsupportedVersion は対応していない新しいバージョンのスナップショット
var ErrUnsupportedVersion = errors.New("対応していないスナップショットのバージョン")

// Record は1カメラ分の永続化レコード
type Record struct {
	ID       string
	Settings camera.Settings
}

// Snapshot は保存対象の状態全体
type Snapshot struct {
	Version           int
	DefaultOutputPath string
	Sessions          []Record
}

// Store はスナップショットの読み書きを行う
type Store interface {
	// Load は保存済みのスナップショットを読み込む
	// ファイルがない場合は空のスナップショットと nil を返す
	Load(ctx context.Context) (Snapshot, error)

	// Save はスナップショット全体を上書き保存する
	Save(ctx context.Context, snap Snapshot) error

	// Clear は保存済みのスナップショットを削除する
	Clear(ctx context.Context) error
}

// document はファイル上の表現
// 欠けているフィールドを判別するため、任意フィールドはポインタで持つ
type document struct {
	Version           int         `json:"version" yaml:"version" toml:"version"`
	DefaultOutputPath string      `json:"defaultOutputPath" yaml:"defaultOutputPath" toml:"defaultOutputPath"`
	Sessions          []recordDoc `json:"sessions" yaml:"sessions" toml:"sessions"`
}

type recordDoc struct {
	ID            string   `json:"id" yaml:"id" toml:"id"`
	DisplayName   *string  `json:"displayName,omitempty" yaml:"displayName,omitempty" toml:"displayName,omitempty"`
	Resolution    []int    `json:"resolution,omitempty" yaml:"resolution,omitempty" toml:"resolution,omitempty"`
	FrameRate     *int     `json:"frameRate,omitempty" yaml:"frameRate,omitempty" toml:"frameRate,omitempty"`
	Mode          *string  `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty"`
	OutputPath    *string  `json:"outputPath,omitempty" yaml:"outputPath,omitempty" toml:"outputPath,omitempty"`
	FocalLength   *float64 `json:"focalLength,omitempty" yaml:"focalLength,omitempty" toml:"focalLength,omitempty"`
	FocusDistance *float64 `json:"focusDistance,omitempty" yaml:"focusDistance,omitempty" toml:"focusDistance,omitempty"`
	Exposure      *float64 `json:"exposure,omitempty" yaml:"exposure,omitempty" toml:"exposure,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
}

// FileStore はローカルファイルに保存する Store 実装
type FileStore struct {
	path    string
	codec   Codec
	exclude []string
	logger  *zap.Logger
}

// NewFileStore は新しいFileStoreを作成する
// 保存形式は path の拡張子で決まる
func NewFileStore(path string, exclude []string, logger *zap.Logger) (*FileStore, error) {
	codec, err := CodecFor(path)
	if err != nil {
		return nil, err
	}
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: 除外パターン %q", camera.ErrUnsupportedConfig, pattern)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:    path,
		codec:   codec,
		exclude: exclude,
		logger:  logger.Named("store"),
	}, nil
}

// Path は保存先のパスを返す
func (s *FileStore) Path() string {
	return s.path
}

// Load は保存済みのスナップショットを読み込む
func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Version: CurrentVersion}, nil
		}
		return Snapshot{}, fmt.Errorf("%w: スナップショットの読み込みに失敗: %v", camera.ErrIO, err)
	}

	var doc document
	if err := s.codec.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("%w: スナップショットの解析に失敗 (%s): %v", camera.ErrIO, s.codec.Name(), err)
	}

	if doc.Version > CurrentVersion {
		return Snapshot{}, fmt.Errorf("%w: %d (対応: %d)", ErrUnsupportedVersion, doc.Version, CurrentVersion)
	}

	snap := Snapshot{
		Version:           CurrentVersion,
		DefaultOutputPath: doc.DefaultOutputPath,
		Sessions:          make([]Record, 0, len(doc.Sessions)),
	}

	seen := make(map[string]bool, len(doc.Sessions))
	for i, rd := range doc.Sessions {
		rec, err := rd.toRecord()
		if err == nil && seen[rec.ID] {
			err = fmt.Errorf("%w: %s", camera.ErrDuplicateCamera, rec.ID)
		}
		if err != nil {
			s.logger.Warn("不正なレコードをスキップ",
				zap.Int("index", i),
				zap.String("camera", rd.ID),
				zap.Error(err))
			continue
		}
		seen[rec.ID] = true
		snap.Sessions = append(snap.Sessions, rec)
	}

	return snap, nil
}

// Save はスナップショット全体を上書き保存する
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := document{
		Version:           CurrentVersion,
		DefaultOutputPath: snap.DefaultOutputPath,
		Sessions:          make([]recordDoc, 0, len(snap.Sessions)),
	}
	for _, rec := range snap.Sessions {
		if s.excluded(rec.ID) {
			continue
		}
		doc.Sessions = append(doc.Sessions, fromRecord(rec))
	}

	data, err := s.codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: スナップショットのエンコードに失敗: %v", camera.ErrIO, err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", camera.ErrIO, err)
	}

	s.logger.Debug("スナップショットを保存",
		zap.String("path", s.path),
		zap.Int("sessions", len(doc.Sessions)))
	return nil
}

// Clear は保存済みのスナップショットを削除する
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: スナップショットの削除に失敗: %v", camera.ErrIO, err)
	}
	return nil
}

// excluded は保存対象外のカメラかどうかを返す
func (s *FileStore) excluded(id string) bool {
	trimmed := strings.TrimPrefix(id, "/")
	for _, pattern := range s.exclude {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, trimmed); ok {
			return true
		}
	}
	return false
}

// writeAtomic は一時ファイルに書き込んでからリネームする
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("一時ファイルへの書き込みに失敗: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("一時ファイルの同期に失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("スナップショットの置き換えに失敗: %w", err)
	}
	return nil
}

// toRecord は欠けているフィールドをデフォルト値で補い、値を検証する
func (rd recordDoc) toRecord() (Record, error) {
	if rd.ID == "" {
		return Record{}, errors.New("カメラIDがありません")
	}

	settings := camera.DefaultSettings(rd.ID)
	if rd.DisplayName != nil && *rd.DisplayName != "" {
		settings.DisplayName = *rd.DisplayName
	}
	if rd.Resolution != nil {
		if len(rd.Resolution) != 2 {
			return Record{}, fmt.Errorf("%w: %v", camera.ErrInvalidResolution, rd.Resolution)
		}
		settings.Resolution = camera.Resolution{Width: rd.Resolution[0], Height: rd.Resolution[1]}
	}
	if rd.FrameRate != nil {
		settings.FrameRate = *rd.FrameRate
	}
	if rd.Mode != nil {
		mode, err := camera.ParseMode(*rd.Mode)
		if err != nil {
			return Record{}, err
		}
		settings.Mode = mode
	}
	if rd.OutputPath != nil {
		settings.OutputPath = *rd.OutputPath
	}
	if rd.FocalLength != nil {
		settings.Optics.FocalLength = *rd.FocalLength
	}
	if rd.FocusDistance != nil {
		settings.Optics.FocusDistance = *rd.FocusDistance
	}
	if rd.Exposure != nil {
		settings.Optics.Exposure = *rd.Exposure
	}
	// 古いスナップショットには enabled がないため、欠けていれば有効として扱う
	if rd.Enabled != nil {
		settings.Enabled = *rd.Enabled
	}

	if err := settings.Validate(); err != nil {
		return Record{}, err
	}
	return Record{ID: rd.ID, Settings: settings}, nil
}

func fromRecord(rec Record) recordDoc {
	s := rec.Settings
	mode := string(s.Mode)
	return recordDoc{
		ID:            rec.ID,
		DisplayName:   &s.DisplayName,
		Resolution:    []int{s.Resolution.Width, s.Resolution.Height},
		FrameRate:     &s.FrameRate,
		Mode:          &mode,
		OutputPath:    &s.OutputPath,
		FocalLength:   &s.Optics.FocalLength,
		FocusDistance: &s.Optics.FocusDistance,
		Exposure:      &s.Optics.Exposure,
		Enabled:       &s.Enabled,
	}
}
