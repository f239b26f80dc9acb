// Package render フレームの生成と出力（Frame Renderer）を扱う
//
// # 責務
// - Renderer: 出力先 (sink) を開き、フレームを生成して書き出し、閉じる
// - Queue: レンダラーのゴルーチンから更新ループへイベントを渡す
// - Viewport: 単一スロットのプレビュー表示
//
// # 使い分け
// - FileRenderer: テストパターンを連番PNGまたは動画 (ffmpeg, 失敗時はGIF) に書き出す
// - MockRenderer: テスト用。フレームやエラーを任意のタイミングで発生させる
//
// # 仕様
// - CloseSink は同じ出力先に何度呼んでも安全
// - 動画のエンコードは CloseSink から非同期で行い、実測のフレームレートで書き出す
// - レンダラーは更新ループの状態に直接触れず、必ず Queue を経由する
package render
