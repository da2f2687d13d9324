package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/groq-gate/internal/config"
	"github.com/zhouzirui/groq-gate/internal/handler"
	"github.com/zhouzirui/groq-gate/internal/logging"
	"github.com/zhouzirui/groq-gate/internal/service/ai"
	"github.com/zhouzirui/groq-gate/internal/service/auth"
	"github.com/zhouzirui/groq-gate/internal/service/identity"
	"github.com/zhouzirui/groq-gate/internal/service/proxy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Debug("no .env file loaded, using system environment only", "error", envErr)
	}
	if cfg.Identity.EphemeralSecret {
		logger.Warn("SESSION_SECRET 未配置，使用进程内随机密钥，重启后所有会话失效")
	}

	provider, err := newProvider(cfg.Identity)
	if err != nil {
		logger.Error("failed to initialize identity provider", "error", err)
		os.Exit(1)
	}
	authClient := auth.NewClient(provider, auth.Config{RefreshSkew: cfg.Identity.RefreshSkew})
	defer authClient.Close()
	logger.Info("identity provider ready", "provider", cfg.Identity.Provider)

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			logger.Warn("failed to initialize AI service, /api/groq will answer 503", "error", err)
			aiService = nil
		} else {
			logger.Info("AI service initialized", "model", cfg.AI.Model, "base_url", cfg.AI.BaseURL)
		}
	} else {
		logger.Info("GROQ 凭证未配置，跳过 AI 功能初始化")
	}

	var proxyClient *proxy.Client
	if cfg.Chat.ProxyURL != "" {
		proxyClient = proxy.NewClient(cfg.Chat.ProxyURL, nil)
		logger.Info("chat screens use external proxy", "url", cfg.Chat.ProxyURL)
	}

	router := handler.NewRouter(handler.Options{
		Auth:         authClient,
		AI:           aiService,
		Proxy:        proxyClient,
		CookieSecure: cfg.Server.CookieSecure,
	})

	if err := startServer(ctx, cfg.Server, router); err != nil {
		logger.Error("server error", "error", err)
		authClient.Close()
		os.Exit(1)
	}
}

func newProvider(cfg config.IdentityConfig) (identity.Provider, error) {
	switch cfg.Provider {
	case config.ProviderFirebase:
		provider, err := identity.NewFirebaseProvider(identity.FirebaseConfig{
			APIKey:   cfg.FirebaseAPIKey,
			AuthURL:  cfg.FirebaseAuthURL,
			TokenURL: cfg.FirebaseTokenURL,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	case config.ProviderMemory:
		return identity.NewMemoryProvider(identity.MemoryConfig{
			Secret:   cfg.Secret(),
			TokenTTL: cfg.SessionTTL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Provider)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("groq-gate listening", "addr", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
