// Package gateway はマルチテナントAPIゲートウェイの内部実装を提供する。
//
// 外部からアクセス可能な唯一のプロセスであり、セキュリティの境界線として機能する。
// /api/v1 配下のリクエストに対して、セキュリティヘッダーの付与・不審な入力の拒否・
// グローバルなレート制限・JWT認証・テナント単位のレート制限を順に適用し、
// 最長一致で解決したバックエンドサービスへ認証コンテキストのヘッダーを付けて転送する。
//
// /gateway 配下は運用向けのエンドポイントで、ルート一覧・バックエンドの死活確認の集約・
// Prometheusメトリクス・監査ログを提供する。
package gateway
