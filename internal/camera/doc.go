// Package camera シーン内の仮想カメラとキャプチャ設定のデータモデルを定義する
//
// # 責務
// - カメラ設定（解像度・フレームレート・出力モード・光学特性）の表現と検証
// - セッション状態とエラー種別の定義
// - Scene Camera Provider（シーン内カメラの列挙と解決）の契約とアダプタ
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 設定値を範囲チェックしたい
// - カメラIDをシーングラフ上のハンドルへ解決したい
// - エラー種別を errors.Is で判定したい
//
// # 仕様
// - 解像度は各辺 64〜4096、フレームレートは 1〜120
// - 範囲外の値はクランプせずに拒否する
// - SceneFileProvider は呼び出しのたびにシーンファイルを読み直す
// - StaticProvider はテスト用のメモリ内実装
package camera
