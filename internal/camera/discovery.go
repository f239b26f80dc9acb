package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"
)

// SceneFile はシーン記述ファイルの内容
//
//	cameras:
//	  - path: /World/Cameras/Front
//	    name: Front
type SceneFile struct {
	Cameras []Info `yaml:"cameras"`
}

// SceneFileProvider はYAMLのシーン記述ファイルからカメラを列挙する Provider 実装
// 呼び出しのたびにファイルを読み直すため、実行中に削除されたカメラも検出できる
type SceneFileProvider struct {
	path string
}

// NewSceneFileProvider は新しいSceneFileProviderを作成する
func NewSceneFileProvider(path string) *SceneFileProvider {
	return &SceneFileProvider{path: path}
}

// ListCameras はシーンファイル内のカメラ一覧をパス順で返す
func (p *SceneFileProvider) ListCameras(ctx context.Context) ([]Info, error) {
	scene, err := p.read(ctx)
	if err != nil {
		return nil, err
	}

	cameras := make([]Info, 0, len(scene.Cameras))
	for _, cam := range scene.Cameras {
		if cam.ID == "" {
			continue
		}
		if cam.DisplayName == "" {
			cam.DisplayName = DisplayNameFor(cam.ID)
		}
		cameras = append(cameras, cam)
	}

	sort.Slice(cameras, func(i, j int) bool {
		return cameras[i].ID < cameras[j].ID
	})

	return cameras, nil
}

// Resolve はカメラパスをハンドルに解決する
func (p *SceneFileProvider) Resolve(ctx context.Context, id string) (Handle, error) {
	cameras, err := p.ListCameras(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s (%v)", ErrUnresolvedCamera, id, err)
	}

	for _, cam := range cameras {
		if cam.ID == id {
			return Handle{ID: cam.ID, Name: cam.DisplayName}, nil
		}
	}

	return Handle{}, fmt.Errorf("%w: %s", ErrUnresolvedCamera, id)
}

// read はシーンファイルを読み込む
func (p *SceneFileProvider) read(ctx context.Context) (*SceneFile, error) {
	// コンテキストのキャンセルをチェック
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// シーンが未作成の場合はカメラなしとして扱う
			return &SceneFile{}, nil
		}
		return nil, fmt.Errorf("シーンファイルの読み込みに失敗: %w", err)
	}

	var scene SceneFile
	if err := yaml.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("シーンファイルの解析に失敗: %w", err)
	}

	return &scene, nil
}

// StaticProvider はテスト用のメモリ内 Provider 実装
type StaticProvider struct {
	cameras []Info
	mu      sync.RWMutex

	// テスト制御用
	resolveCalls int
}

// NewStaticProvider は新しいStaticProviderを作成する
func NewStaticProvider(ids ...string) *StaticProvider {
	p := &StaticProvider{}
	for _, id := range ids {
		p.AddCamera(id)
	}
	return p
}

// ListCameras は登録済みのカメラ一覧を返す
func (p *StaticProvider) ListCameras(_ context.Context) ([]Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cameras := make([]Info, len(p.cameras))
	copy(cameras, p.cameras)
	return cameras, nil
}

// Resolve は登録済みのカメラを解決する
func (p *StaticProvider) Resolve(_ context.Context, id string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resolveCalls++
	for _, cam := range p.cameras {
		if cam.ID == id {
			return Handle{ID: cam.ID, Name: cam.DisplayName}, nil
		}
	}
	return Handle{}, fmt.Errorf("%w: %s", ErrUnresolvedCamera, id)
}

// AddCamera はテスト用にカメラを追加する
func (p *StaticProvider) AddCamera(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 重複チェック
	for _, cam := range p.cameras {
		if cam.ID == id {
			return
		}
	}

	p.cameras = append(p.cameras, Info{ID: id, DisplayName: DisplayNameFor(id)})
}

// RemoveCamera はテスト用にカメラを削除する（シーンからの削除を模擬する）
func (p *StaticProvider) RemoveCamera(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cam := range p.cameras {
		if cam.ID == id {
			p.cameras = append(p.cameras[:i], p.cameras[i+1:]...)
			return
		}
	}
}

// ResolveCalls は Resolve の呼び出し回数を返す
func (p *StaticProvider) ResolveCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolveCalls
}
