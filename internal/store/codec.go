package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"multicam/internal/camera"
)

// Codec はスナップショットのエンコード形式
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}

type yamlCodec struct{}

func (yamlCodec) Name() string                       { return "yaml" }
func (yamlCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

type tomlCodec struct{}

func (tomlCodec) Name() string                       { return "toml" }
func (tomlCodec) Marshal(v any) ([]byte, error)      { return toml.Marshal(v) }
func (tomlCodec) Unmarshal(data []byte, v any) error { return toml.Unmarshal(data, v) }

// CodecFor はファイル拡張子からコーデックを選ぶ
func CodecFor(path string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return jsonCodec{}, nil
	case ".yaml", ".yml":
		return yamlCodec{}, nil
	case ".toml":
		return tomlCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: 保存形式 %q", camera.ErrUnsupportedConfig, filepath.Ext(path))
	}
}
