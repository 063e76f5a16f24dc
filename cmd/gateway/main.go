// API Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/tenantgate/internal/gateway"
	"github.com/nao1215/tenantgate/pkg/middleware"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand はルートコマンドを生成する。サブコマンド省略時はserveと同じ動作をする。
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-tenant API gateway",
		Version:       gateway.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCommand(), newTokenCommand())
	return root
}

// newServeCommand はゲートウェイを起動するサブコマンドを生成する。
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (configured via environment variables)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe は設定を読み込んでサーバーを起動し、SIGINT/SIGTERMで停止する。
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := gateway.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.UsesDefaultSecret() {
		logger.Warn("JWT_SECRET is not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	runErr := server.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Close(closeCtx); err != nil {
		logger.Error("gateway close failed", zap.Error(err))
	}
	return runErr
}

// tokenOptions はtokenサブコマンドのフラグ。
type tokenOptions struct {
	tenantID    string
	userID      string
	role        string
	permissions string
	ttl         time.Duration
}

// newTokenCommand はローカル検証用のJWTを発行するサブコマンドを生成する。
// JWT_SECRET と JWT_ISSUER はゲートウェイ本体と同じ環境変数を使う。
func newTokenCommand() *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for local testing",
		Long: `Issue a signed token for local testing.

The token is signed with JWT_SECRET and carries JWT_ISSUER when set.

Example:
  gateway token --tenant t1 --user u1 --role admin --permissions orders:read,orders:write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return issueToken(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.role, "role", "member", "user role")
	cmd.Flags().StringVar(&opts.permissions, "permissions", "", "comma separated permissions")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// issueToken は設定の秘密鍵でトークンを署名して標準出力に書き出す。
func issueToken(cmd *cobra.Command, opts *tokenOptions) error {
	if opts.ttl <= 0 {
		return fmt.Errorf("--ttl は正の値である必要があります: %s", opts.ttl)
	}
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}

	var permissions []string
	for _, p := range strings.Split(opts.permissions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}

	token, err := middleware.GenerateJWT(cfg.JWTSecret, cfg.JWTIssuer, middleware.AuthContext{
		TenantID:    opts.tenantID,
		UserID:      opts.userID,
		Role:        opts.role,
		Permissions: permissions,
	}, opts.ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
