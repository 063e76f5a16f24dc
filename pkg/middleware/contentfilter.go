package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pattern は拒否対象とする既知の攻撃パターン。
// ログにはLabelだけを出力し、正規表現そのものは外部に出さない。
type Pattern struct {
	// Label はパターンの識別名。
	Label string
	// Re は小文字化済みの入力に対して評価する正規表現。
	Re *regexp.Regexp
}

// DefaultPatterns はスクリプト注入・SQLインジェクション・パストラバーサルの標準パターンを返す。
// "select" のような単語単体ではなく、攻撃として意味を持つ構文に限定して誤検知を抑えている。
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Label: "script_tag", Re: regexp.MustCompile(`<\s*/?\s*script\b`)},
		// 値の先頭または属性値としてのjavascript:だけを対象にし、文章中の "javascript: ..." は通す
		{Label: "javascript_uri", Re: regexp.MustCompile(`(?m)(^|[=:"'(]|\b(href|src|action|formaction)\s*=\s*["']?)\s*javascript\s*:`)},
		{Label: "inline_event_handler", Re: regexp.MustCompile(`<[^>]*\bon(error|load|click|mouseover|focus|submit)\s*=`)},
		{Label: "sql_union_select", Re: regexp.MustCompile(`\bunion\s+(all\s+)?select\b`)},
		{Label: "sql_stacked_statement", Re: regexp.MustCompile(`;\s*(drop|delete|truncate|alter|insert|update)\s`)},
		{Label: "sql_drop_table", Re: regexp.MustCompile(`\bdrop\s+(table|database)\b`)},
		{Label: "sql_tautology", Re: regexp.MustCompile(`'\s*or\s+'?\w+'?\s*=\s*'?\w+`)},
		{Label: "sql_comment_terminator", Re: regexp.MustCompile(`'\s*(--|#|/\*)`)},
		// ".." はパスセグメントとして現れた場合だけ一致させる。
		// JSON文字列のエスケープ（...\n や ..\"）は区切りとして扱わない。
		{Label: "path_traversal", Re: regexp.MustCompile(`(?m)(^|[/\\"'=:,&\s])\.\.(/|\\([^ntrbfu"]|$))`)},
		{Label: "encoded_path_traversal", Re: regexp.MustCompile(`%2e%2e(%2f|%5c|/|\\)`)},
	}
}

// DefaultMaxBodyBytes は検査対象とするリクエストボディの既定の最大サイズ。
const DefaultMaxBodyBytes int64 = 1 << 20

// ContentFilterOptions はContentFilterの設定。
type ContentFilterOptions struct {
	// MaxBodyBytes はボディの最大サイズ。超過したリクエストは413で拒否する。
	MaxBodyBytes int64
	// Patterns は検査に使用するパターン。nilの場合はDefaultPatternsを使う。
	Patterns []Pattern
	// OnReject は拒否時に呼び出される。labelは一致したパターン名。
	OnReject func(c *gin.Context, e APIError, label string)
}

// ContentFilter はリクエストのボディ・クエリ・パス・ヘッダーを1つの小文字文字列に
// 連結し、既知の攻撃パターンと照合するGinミドルウェアを返す。
// 認証より前に実行することで、不正な認証情報自体が注入経路になることを防ぐ。
func ContentFilter(logger *zap.Logger, opts ContentFilterOptions) gin.HandlerFunc {
	patterns := opts.Patterns
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	reject := func(c *gin.Context, e APIError, label string) {
		if opts.OnReject != nil {
			opts.OnReject(c, e, label)
		}
		AbortWithError(c, e)
	}

	return func(c *gin.Context) {
		body, tooLarge, err := readBody(c, maxBody)
		if err != nil {
			logger.Error("failed to read request body",
				zap.String("request_id", GetRequestID(c)),
				zap.Error(err),
			)
			AbortWithError(c, ErrInternal)
			return
		}
		if tooLarge {
			logger.Warn("request body too large",
				zap.String("request_id", GetRequestID(c)),
				zap.Int64("limit", maxBody),
			)
			reject(c, ErrPayloadTooLarge, "")
			return
		}

		subject := serializeRequest(c, body)
		for _, p := range patterns {
			if p.Re.MatchString(subject) {
				logger.Warn("suspicious content rejected",
					zap.String("request_id", GetRequestID(c)),
					zap.String("pattern", p.Label),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
				)
				reject(c, ErrSuspiciousContent, p.Label)
				return
			}
		}

		c.Next()
	}
}

// readBody はボディを最大 limit バイトまで読み取り、後段のために元に戻す。
func readBody(c *gin.Context, limit int64) ([]byte, bool, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, false, nil
	}
	if c.Request.ContentLength > limit {
		return nil, true, nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	_ = c.Request.Body.Close()
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return nil, true, nil
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, false, nil
}

// serializeRequest は検査対象を1つの小文字文字列に連結する。
// ヘッダーはキー順に並べて結果を決定的にする。
func serializeRequest(c *gin.Context, body []byte) string {
	var b strings.Builder

	b.WriteString(c.Request.URL.Path)
	b.WriteByte('\n')
	b.WriteString(c.Request.URL.EscapedPath())
	b.WriteByte('\n')
	for _, p := range c.Params {
		b.WriteString(p.Value)
		b.WriteByte('\n')
	}

	raw := c.Request.URL.RawQuery
	b.WriteString(raw)
	b.WriteByte('\n')
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		b.WriteString(unescaped)
		b.WriteByte('\n')
	}

	keys := make([]string, 0, len(c.Request.Header))
	for k := range c.Request.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strings.Join(c.Request.Header[k], ","))
		b.WriteByte('\n')
	}

	b.Write(body)

	return strings.ToLower(b.String())
}
