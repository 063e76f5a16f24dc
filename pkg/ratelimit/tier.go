package ratelimit

import (
	"errors"
	"time"
)

// Tier はルートに割り当てるレート制限ポリシーを表す。
// 起動時に決定され、実行中に変更されることはない。
type Tier struct {
	// Name はティアの名前（strict / normal / high / global）。
	Name string `json:"name"`
	// Window は1ウィンドウの長さ。
	Window time.Duration `json:"window"`
	// Max は1ウィンドウ内で許可するリクエスト数の上限。
	Max int `json:"max"`
}

// 標準ティア。厳しい順に並んでいる。
var (
	// TierStrict は認証やテナント管理など、濫用されると影響の大きいルート向け。
	TierStrict = Tier{Name: "strict", Window: time.Minute, Max: 20}
	// TierNormal は一般的なCRUDルート向け。
	TierNormal = Tier{Name: "normal", Window: time.Minute, Max: 100}
	// TierHigh は在庫・価格照会など、高頻度に呼ばれる読み取り系ルート向け。
	TierHigh = Tier{Name: "high", Window: time.Minute, Max: 500}
)

// ErrInvalidTier はティアの設定値が不正な場合に返される。
var ErrInvalidTier = errors.New("ratelimit: window and max must be positive")

// Validate はティアの設定値を検証する。
func (t Tier) Validate() error {
	if t.Window <= 0 || t.Max <= 0 {
		return ErrInvalidTier
	}
	return nil
}

// StricterThan は t が other よりも厳しい（単位時間あたりの許可数が少ない）かを返す。
func (t Tier) StricterThan(other Tier) bool {
	// Max/Window の比較を乗算で行い、浮動小数点を避ける
	return int64(t.Max)*int64(other.Window) < int64(other.Max)*int64(t.Window)
}
