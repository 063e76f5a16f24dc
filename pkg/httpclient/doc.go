// Package httpclient はバックエンドサービスへの死活確認を行うHTTPクライアントを提供する。
//
// ゲートウェイのヘルス集約が各バックエンドの /health を呼び出す際に使用する。
// すべての呼び出しに明示的なタイムアウトを設定し、応答しないバックエンドが
// 呼び出し元を無期限に待たせないことを保証する。
package httpclient
