// Package middleware はゲートウェイのリクエストパイプラインを構成するGinミドルウェアを提供する。
//
// リクエストIDとセキュリティヘッダーの付与、構造化ログ、CORS、不審な入力の拒否、
// JWT認証、レート制限、パニックリカバリを含む。エラーレスポンスはすべて
// AbortWithError を通じて {error, message, code} 形式のJSONで返す。
package middleware
