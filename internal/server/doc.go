// Package server は、キャプチャ操作のHTTP APIとイベント配信を提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - セッション操作（追加・削除・設定変更・プレビュー・キャプチャ）のREST API
//   - 警告やエラーなどのイベントのWebSocket配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - Orchestratorへの操作は全て更新ループ（host.Loop）経由で実行する
//   - カメラIDはスラッシュを含むため、パス中ではエスケープして渡す
//     （例: /api/sessions/%2FWorld%2Fcam1）
//   - 操作系APIはクライアントIPごとにレート制限する
package server
