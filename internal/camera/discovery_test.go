package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScene(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestSceneFileProvider_ListCameras(t *testing.T) {
	ctx := context.Background()
	path := writeScene(t, t.TempDir(), `
cameras:
  - path: /World/Cameras/Side
  - path: /World/Cameras/Front
    name: 正面
  - name: パスなし
`)

	provider := NewSceneFileProvider(path)
	cameras, err := provider.ListCameras(ctx)
	require.NoError(t, err)

	// パスのないエントリは除外され、パス順に並ぶ
	require.Len(t, cameras, 2)
	assert.Equal(t, "/World/Cameras/Front", cameras[0].ID)
	assert.Equal(t, "正面", cameras[0].DisplayName)
	assert.Equal(t, "/World/Cameras/Side", cameras[1].ID)
	assert.Equal(t, "Side", cameras[1].DisplayName)
}

func TestSceneFileProvider_MissingFile(t *testing.T) {
	provider := NewSceneFileProvider(filepath.Join(t.TempDir(), "none.yaml"))

	cameras, err := provider.ListCameras(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cameras)
}

func TestSceneFileProvider_InvalidYAML(t *testing.T) {
	path := writeScene(t, t.TempDir(), "cameras: [:::")
	provider := NewSceneFileProvider(path)

	_, err := provider.ListCameras(context.Background())
	assert.Error(t, err)
}

func TestSceneFileProvider_ResolveObservesDeletion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeScene(t, dir, "cameras:\n  - path: /World/Cam\n")
	provider := NewSceneFileProvider(path)

	handle, err := provider.Resolve(ctx, "/World/Cam")
	require.NoError(t, err)
	assert.Equal(t, "Cam", handle.Name)

	// シーンから削除されたカメラは次の解決で失敗する
	writeScene(t, dir, "cameras: []\n")
	_, err = provider.Resolve(ctx, "/World/Cam")
	assert.True(t, errors.Is(err, ErrUnresolvedCamera))
}

func TestSceneFileProvider_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := NewSceneFileProvider("unused.yaml")
	_, err := provider.ListCameras(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	provider := NewStaticProvider("/World/A", "/World/B", "/World/A")

	cameras, err := provider.ListCameras(ctx)
	require.NoError(t, err)
	require.Len(t, cameras, 2, "重複IDは1台として扱われる")

	handle, err := provider.Resolve(ctx, "/World/B")
	require.NoError(t, err)
	assert.Equal(t, "B", handle.Name)

	provider.RemoveCamera("/World/B")
	_, err = provider.Resolve(ctx, "/World/B")
	assert.ErrorIs(t, err, ErrUnresolvedCamera)
	assert.Equal(t, 2, provider.ResolveCalls())
}
