// Package orchestrator 複数カメラのセッションをまとめて管理する（Capture Orchestrator）
//
// # 責務
// - 利用者の操作（カメラの追加・削除、設定変更、プレビュー、キャプチャ）を検証してセッションに適用する
// - キャプチャの開始時に出力先を開き、終了・エラー・削除・停止のどの経路でも必ず1回だけ閉じる
// - 更新ループの1回ごとにレンダラーからのイベントを取り出し、FPS 監視とセッションへ反映する
// - 変更が成功するたびにスナップショットを保存する（失敗してもメモリ上の状態は戻さない）
//
// # 並行性
// Orchestrator は更新ループの単一ゴルーチンから呼ばれる前提でロックを持たない。
// 例外はイベントの購読で、購読と解除は任意のゴルーチンから行える。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"multicam/internal/camera"
	"multicam/internal/metrics"
	"multicam/internal/monitor"
	"multicam/internal/render"
	"multicam/internal/session"
	"multicam/internal/store"
)

// DefaultOutputPath は出力先が設定されていない場合の出力ディレクトリ
const DefaultOutputPath = "captures"

// timestampLayout は出力ディレクトリとファイル名に使う時刻の書式 (YYYYMMDD_HHMMSS)
const timestampLayout = "20060102_150405"

// Options は Orchestrator の依存関係と設定
type Options struct {
	Provider camera.Provider
	Renderer render.Renderer
	Queue    *render.Queue
	Viewport render.Viewport
	Store    store.Store
	Monitor  *monitor.Monitor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// DefaultOutputPath は保存済みの値がない場合の共有出力先
	DefaultOutputPath string

	// ResolveInterval はキャプチャ・プレビュー中のカメラを再解決する間隔（0 なら毎回）
	ResolveInterval time.Duration

	// Clock は現在時刻を返す（テスト用に差し替え可能）
	Clock func() time.Time
}

// Result は一括操作のカメラごとの結果
type Result struct {
	CameraID string `json:"cameraId"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

// OK は成功したかどうかを返す
func (r Result) OK() bool {
	return r.Err == nil
}

// Orchestrator はカメラセッションの集合を管理する
type Orchestrator struct {
	provider camera.Provider
	renderer render.Renderer
	queue    *render.Queue
	viewport render.Viewport
	store    store.Store
	monitor  *monitor.Monitor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	// 追加順に並んだセッション
	sessions []*session.Session
	index    map[string]*session.Session

	defaultOutputPath string

	// プレビュー中のカメラ（ビューポートは1つ）
	previewing string

	resolveInterval time.Duration
	sinceResolve    time.Duration

	// 購読者
	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// New は新しいOrchestratorを作成する
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, errors.New("カメラプロバイダーが指定されていません")
	}
	if opts.Renderer == nil || opts.Queue == nil {
		return nil, errors.New("レンダラーが指定されていません")
	}
	if opts.Store == nil {
		return nil, errors.New("ストアが指定されていません")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	viewport := opts.Viewport
	if viewport == nil {
		viewport = render.NewSceneViewport("", logger)
	}
	mon := opts.Monitor
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	outputPath := opts.DefaultOutputPath
	if outputPath == "" {
		outputPath = DefaultOutputPath
	}

	return &Orchestrator{
		provider:          opts.Provider,
		renderer:          opts.Renderer,
		queue:             opts.Queue,
		viewport:          viewport,
		store:             opts.Store,
		monitor:           mon,
		metrics:           m,
		logger:            logger.Named("orchestrator"),
		clock:             clock,
		index:             make(map[string]*session.Session),
		defaultOutputPath: outputPath,
		resolveInterval:   opts.ResolveInterval,
		subs:              make(map[int]chan Event),
	}, nil
}

// ListSessions は全セッションを追加順に返す
func (o *Orchestrator) ListSessions() []session.View {
	views := make([]session.View, 0, len(o.sessions))
	for _, s := range o.sessions {
		views = append(views, s.View())
	}
	return views
}

// GetSession は指定されたカメラのセッションを返す
func (o *Orchestrator) GetSession(id string) (session.View, error) {
	s, err := o.lookup(id)
	if err != nil {
		return session.View{}, err
	}
	return s.View(), nil
}

// GlobalCaptureActive はいずれかのセッションがキャプチャ中かどうかを返す
func (o *Orchestrator) GlobalCaptureActive() bool {
	for _, s := range o.sessions {
		if s.State() == camera.StateCapturing {
			return true
		}
	}
	return false
}

// AppFPS は計測したアプリケーションの更新レートを返す
func (o *Orchestrator) AppFPS() float64 {
	return o.monitor.AppFPS()
}

// AppLimited は要求フレームレートがアプリケーションの更新レートを上回る有効なカメラを返す
// 更新レートが未計測の間は空を返す
func (o *Orchestrator) AppLimited() []string {
	appFPS := o.monitor.AppFPS()
	if appFPS <= 0 {
		return nil
	}
	var ids []string
	for _, s := range o.sessions {
		settings := s.Settings()
		if settings.Enabled && float64(settings.FrameRate) > appFPS {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

// DefaultOutputPath は共有の出力先を返す
func (o *Orchestrator) DefaultOutputPath() string {
	return o.defaultOutputPath
}

// Previewing はプレビュー中のカメラIDを返す
func (o *Orchestrator) Previewing() (string, bool) {
	return o.previewing, o.previewing != ""
}

// Cameras はシーン内のカメラ一覧を返す
func (o *Orchestrator) Cameras(ctx context.Context) ([]camera.Info, error) {
	return o.provider.ListCameras(ctx)
}

func (o *Orchestrator) lookup(id string) (*session.Session, error) {
	s, ok := o.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", camera.ErrSessionNotFound, id)
	}
	return s, nil
}

// snapshot は保存用のスナップショットを作成する
func (o *Orchestrator) snapshot() store.Snapshot {
	snap := store.Snapshot{
		Version:           store.CurrentVersion,
		DefaultOutputPath: o.defaultOutputPath,
		Sessions:          make([]store.Record, 0, len(o.sessions)),
	}
	for _, s := range o.sessions {
		snap.Sessions = append(snap.Sessions, store.Record{ID: s.ID(), Settings: s.Settings()})
	}
	return snap
}

// save はスナップショットを保存する
// 失敗はログとイベントで通知し、メモリ上の状態はそのまま残す
func (o *Orchestrator) save(ctx context.Context) {
	err := o.store.Save(ctx, o.snapshot())
	o.metrics.RecordSave(err)
	if err == nil {
		return
	}

	o.logger.Warn("スナップショットの保存に失敗", zap.Error(err))
	o.publish(Event{
		Kind:    EventSaveFailed,
		Message: fmt.Sprintf("設定の保存に失敗しました: %v", err),
	})
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName はカメラ名をファイル名に使える形にする
func sanitizeName(name string) string {
	clean := unsafeName.ReplaceAllString(name, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "camera"
	}
	return clean
}

// captureLayout はキャプチャの出力ディレクトリとファイル名の接頭辞を決める
// <出力先>/capture_<開始時刻>/<カメラ名>/ に <カメラ名>_<開始時刻> で書き出す
func (o *Orchestrator) captureLayout(s *session.Session, startedAt time.Time) (dir, prefix string) {
	base := s.Settings().OutputPath
	if base == "" {
		base = o.defaultOutputPath
	}
	stamp := startedAt.Format(timestampLayout)
	name := o.outputNames()[s]
	return filepath.Join(base, "capture_"+stamp, name), name + "_" + stamp
}

// outputNames はセッションごとの出力フォルダ名を決める
// 通常はカメラパスの末尾を使い、末尾が他のカメラと重なる場合はパス全体から名前を作る。
// それでも重なる場合はセッションの並び順で -2, -3 を付ける
func (o *Orchestrator) outputNames() map[*session.Session]string {
	leaves := make(map[string]int, len(o.sessions))
	for _, s := range o.sessions {
		leaves[sanitizeName(camera.DisplayNameFor(s.ID()))]++
	}

	names := make(map[*session.Session]string, len(o.sessions))
	used := make(map[string]bool, len(o.sessions))
	for _, s := range o.sessions {
		name := sanitizeName(camera.DisplayNameFor(s.ID()))
		if leaves[name] > 1 {
			name = sanitizeName(strings.Trim(s.ID(), "/"))
		}
		base := name
		for i := 2; used[name]; i++ {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		used[name] = true
		names[s] = name
	}
	return names
}
