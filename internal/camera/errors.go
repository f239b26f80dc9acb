package camera

import "errors"

// エラー種別。呼び出し側は errors.Is で判定する
var (
	ErrDuplicateCamera      = errors.New("カメラは既に追加されています")
	ErrUnresolvedCamera     = errors.New("カメラをシーン内で解決できません")
	ErrInvalidResolution    = errors.New("無効な解像度")
	ErrInvalidFrameRate     = errors.New("無効なフレームレート")
	ErrInvalidOptics        = errors.New("無効な光学設定")
	ErrCaptureAlreadyActive = errors.New("キャプチャは既に実行中です")
	ErrIO                   = errors.New("入出力エラー")
	ErrUnsupportedConfig    = errors.New("サポートされていない設定")
	ErrNotFound             = errors.New("見つかりません")
	ErrSessionNotFound      = errors.New("セッションが見つかりません")
	ErrInvalidTransition    = errors.New("許可されていない状態遷移")
)

// IsValidationError は状態を変更せずに拒否される検証エラーかどうかを返す
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidResolution) ||
		errors.Is(err, ErrInvalidFrameRate) ||
		errors.Is(err, ErrInvalidOptics) ||
		errors.Is(err, ErrDuplicateCamera)
}
