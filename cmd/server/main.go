package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"yuzu/relay/internal/api"
	"yuzu/relay/internal/clientws"
	"yuzu/relay/internal/config"
	"yuzu/relay/internal/events"
	"yuzu/relay/internal/health"
	"yuzu/relay/internal/realtime"
	"yuzu/relay/internal/resilience"
	"yuzu/relay/internal/upstream"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := initLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	defer func() { _ = logger.Sync() }()

	logger.Info("config loaded", zap.String("summary", cfg.Redacted()))
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := &upstream.Dialer{
		URL:    cfg.OpenAI.RealtimeURL,
		Model:  cfg.OpenAI.RealtimeModel,
		APIKey: cfg.OpenAI.APIKey,
		Logger: logger,
	}
	rest := upstream.NewClient(upstream.ClientConfig{
		BaseURL:         cfg.OpenAI.BaseURL,
		APIKey:          cfg.OpenAI.APIKey,
		ChatModel:       cfg.OpenAI.ChatModel,
		TTSModel:        cfg.OpenAI.TTSModel,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
	}, logger)

	checks := []health.Check{
		health.Required("openai_key", cfg.OpenAI.APIKey, "OPENAI_API_KEY"),
		health.Probe("openai_rest", rest),
	}

	var evlog events.Log = events.NewMemoryLog(cfg.Events.MaxPerUser, nil)
	if cfg.Events.RedisAddr != "" {
		rl, err := events.NewRedisLog(ctx, events.RedisConfig{
			Addr:       cfg.Events.RedisAddr,
			Password:   cfg.Events.RedisPassword,
			DB:         cfg.Events.RedisDB,
			MaxPerUser: cfg.Events.MaxPerUser,
			TTL:        7 * 24 * time.Hour,
		}, logger)
		if err != nil {
			return err
		}
		defer rl.Close()
		evlog = rl
		checks = append(checks, health.Ping("event_store", rl))
	}

	dial := realtime.DialFunc(func(ctx context.Context) (realtime.StreamConn, error) {
		c, err := dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	mgr := realtime.NewManager(managerOptions(cfg), dial, rest, evlog, logger, nil)
	mgr.Start()

	wss := clientws.NewServer(clientws.Options{
		TokenSecret:     cfg.Auth.TokenSecret,
		TokenSkewSecs:   cfg.Auth.TokenSkewSecs,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	}, mgr, logger)
	h := api.NewHandlers(api.Options{
		TokenSecret: cfg.Auth.TokenSecret,
		TokenTTL:    cfg.Auth.TokenTTL,
	}, mgr, evlog, checks, logger)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(logger, api.NewRouter(h, http.HandlerFunc(wss.HandleRealtimeWS))),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	var lis net.Listener
	if cfg.Server.GRPCAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			mgr.Shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var gs *grpc.Server
	hs := grpchealth.NewServer()
	if lis != nil {
		// keepalive for fast death detection of orchestrator probes
		gs = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: 2 * time.Minute,
				Time:              30 * time.Second,
				Timeout:           10 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		healthpb.RegisterHealthServer(gs, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("grpc health starting", zap.String("addr", cfg.Server.GRPCAddr))
			return gs.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received; draining")
		h.SetReady(false)
		hs.Shutdown()

		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shCtx)
		// Hijacked websockets are not tracked by http.Server; the manager closes them.
		mgr.Shutdown()
		if gs != nil {
			gs.GracefulStop()
		}
		return err
	})

	return g.Wait()
}

func managerOptions(cfg config.Config) realtime.Options {
	return realtime.Options{
		MaxSessionsPerUser:  cfg.Session.MaxPerUser,
		StaleAfter:          cfg.Session.StaleAfter,
		ReapInterval:        cfg.Session.ReapInterval,
		ConnectTimeout:      cfg.Session.ConnectTimeout,
		DefaultVoice:        cfg.Session.DefaultVoice,
		Temperature:         cfg.Session.Temperature,
		TranscribeModel:     cfg.OpenAI.TranscribeModel,
		HistoryWindow:       cfg.Session.HistoryWindow,
		MaxAudioBufferBytes: cfg.Session.MaxAudioBufferBytes,
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.Resilience.BreakerThreshold,
			Cooldown:  cfg.Resilience.BreakerCooldown,
		},
		Limiter: resilience.LimiterConfig{
			MaxTokens:       cfg.Resilience.RateLimitTokens,
			RefillPerSecond: cfg.Resilience.RateLimitRefillPerSec,
		},
		Backoff: resilience.BackoffConfig{
			MaxAttempts:  cfg.Resilience.ReconnectMaxAttempts,
			InitialDelay: cfg.Resilience.ReconnectInitialDelay,
			MaxDelay:     cfg.Resilience.ReconnectMaxDelay,
			Factor:       cfg.Resilience.ReconnectFactor,
		},
		Heartbeat: resilience.HeartbeatConfig{
			Interval:   cfg.Resilience.HeartbeatInterval,
			PingAfter:  cfg.Resilience.HeartbeatPingAfter,
			StaleAfter: cfg.Resilience.HeartbeatStaleAfter,
		},
	}
}

func initLogger(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		format = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger.With(zap.String("service", "relay"))
}

func logMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
