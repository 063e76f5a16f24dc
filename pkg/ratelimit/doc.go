// Package ratelimit は固定ウィンドウカウンタ方式のレート制限を提供する。
//
// Limiter インターフェースの背後に実装を隠すことで、プロセス内マップによる
// 単一インスタンス構成から分散ストアによる構成へ、パイプラインを変更せずに
// 差し替えられるようにしている。プロセス内実装のカウンタはインスタンスごとに
// 独立しているため、水平スケール時には制限値がインスタンス数倍になる点に注意。
package ratelimit
