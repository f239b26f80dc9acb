package render

import (
	"context"
	"time"

	"multicam/internal/camera"
)

// SinkID はレンダラーが開いた出力先の識別子
type SinkID string

// Format はレンダリングに影響する設定
type Format struct {
	Resolution camera.Resolution
	FrameRate  int
	Optics     camera.Optics
}

// FormatOf は設定からレンダリング形式を取り出す
func FormatOf(s camera.Settings) Format {
	return Format{
		Resolution: s.Resolution,
		FrameRate:  s.FrameRate,
		Optics:     s.Optics,
	}
}

// SinkRequest は出力先を開くための要求
type SinkRequest struct {
	Camera camera.Handle
	Format Format
	Mode   camera.Mode

	// OutputDir はこのカメラの出力ディレクトリ
	OutputDir string

	// FilePrefix は出力ファイル名の接頭辞 (<カメラ名>_<開始時刻>)
	FilePrefix string

	// RunID はキャプチャ1回ごとの識別子
	RunID string
}

// SinkResult は出力先を閉じた結果
type SinkResult struct {
	// Path は最終的な出力先。動画の場合はエンコード完了前の予定パス
	Path     string
	Frames   int
	Duration time.Duration

	// Pending はエンコードが非同期で継続中かどうか
	// 完了は EventFinalized で通知される
	Pending bool
}

// Renderer はカメラのフレームを生成して出力先へ書き出す（Frame Renderer）
//
// フレームの到着や非同期のエラーは生成時に渡された Queue に積まれ、
// 呼び出し側が更新ループで取り出す
type Renderer interface {
	// OpenSink は出力先を開いてフレームの生成を開始する
	// 失敗時は camera.ErrIO または camera.ErrUnsupportedConfig を返す
	OpenSink(ctx context.Context, req SinkRequest) (SinkID, error)

	// Reconfigure は開いている出力先のレンダリング設定を変更する
	Reconfigure(ctx context.Context, id SinkID, format Format) error

	// CloseSink はフレームの生成を止めて出力先を閉じる
	// 同じIDに対して何度呼んでも安全で、2回目以降は最初の結果を返す
	CloseSink(ctx context.Context, id SinkID) (SinkResult, error)

	// Shutdown は実行中のエンコードの完了を待つ
	Shutdown(ctx context.Context) error
}

// EventKind はレンダラーから通知されるイベントの種類
type EventKind string

const (
	EventFrame     EventKind = "frame"     // フレームを書き出した
	EventSinkError EventKind = "sinkError" // キャプチャ中に出力先でエラーが発生した
	EventFinalized EventKind = "finalized" // 出力先の後処理（動画エンコード）が終わった
)

// Event はレンダラーから更新ループへの通知
type Event struct {
	Kind   EventKind
	Sink   SinkID
	Camera string
	RunID  string
	At     time.Time
	Frame  int    // EventFrame: 0 始まりのフレーム番号
	Path   string // EventFinalized: 出力先
	Err    error
}
