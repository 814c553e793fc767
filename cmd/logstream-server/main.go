package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/logstream-server/internal/config"
	"github.com/edirooss/logstream-server/internal/http/handler"
	mw "github.com/edirooss/logstream-server/internal/http/middleware"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/internal/infrastructure/procsource"
	"github.com/edirooss/logstream-server/internal/redis"
	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", config.DefaultPath, "path to the YAML config file")

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(cfg.Log)
	defer log.Sync()
	log = log.Named("main")
	if isDev {
		log.Debug("effective config\n" + spew.Sdump(redacted(*cfg)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core
	defaultFilter, _ := cfg.Defaults.Filter() // validated by config.Load
	defaultFormat := cfg.Defaults.FormatOptions()
	broker := logbroker.NewBroker(log, logbroker.Options{
		BufferCapacity: cfg.Buffer.Capacity,
		QueueDepth:     cfg.Stream.QueueDepth,
		DefaultFilter:  defaultFilter,
		DefaultFormat:  &defaultFormat,
	})

	var rdb *redis.Client
	if cfg.Redis.Enabled || cfg.Programs.Publish {
		rdb = redis.NewClient(redis.ClientOptions{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, Password: cfg.Redis.Password}, log)
		defer rdb.Close()
		_ = rdb.Ping(ctx) // logged by Ping
	}

	// Services
	var usersesssvc *service.UserSessionService
	if cfg.Auth.Username != "" {
		opts := service.UserSessionOptions{Dev: isDev, Secret: []byte(cfg.Auth.SessionSecret)}
		if cfg.Auth.SessionStore == "redis" {
			opts.RedisAddr, opts.RedisDB, opts.RedisPassword = cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password
		}
		if usersesssvc, err = service.NewUserSessionService(opts); err != nil {
			log.Fatal("user session service creation failed", zap.Error(err))
		}
	}
	authsvc, err := service.NewAuthService(log, service.Credentials{
		Token:    cfg.Auth.Token,
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
	}, usersesssvc)
	if err != nil {
		log.Fatal("auth service creation failed", zap.Error(err))
	}
	if !authsvc.Enabled() {
		log.Warn("authentication disabled; configure auth.token or auth.username")
	}
	processlistsvc := service.NewProcessListService(log, broker, service.ProcessListOptions{})

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local dev UIs
			r.Use(cors.New(cors.Config{
				AllowOrigins:     cfg.HTTP.DevOrigins,
				AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "X-CSRF-Token", "Content-Type", "Authorization", "Last-Event-ID"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache"},
				AllowCredentials: true, // Allow cookies in dev
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind a TLS-terminating reverse proxy
			if err := r.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
				log.Warn("invalid trusted proxies", zap.Error(err))
			}
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
				FrameDeny:          true,
				ContentTypeNosniff: true,
			}))
		}

		if usersesssvc != nil {
			r.Use(usersesssvc.Middleware()) // Attach user cookie-based session for auth
		}

		r.Use(accessLog(log.Named("http"), authsvc)) // Observability

		r.Use(func(c *gin.Context) {
			// Control requests are tiny; cap the body at 1MB.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		// --- Public endpoints (no auth) ---
		{
			r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

			usrsesshndler := handler.NewUserSessionsHandler(log, authsvc)
			r.POST("/api/login", usrsesshndler.Login)
			r.POST("/api/logout", usrsesshndler.Logout)
		}

		// --- Streams (auth optional at open, enforced on subscribe) ---
		{
			streamhndlr := handler.NewStreamHandler(log, broker, authsvc, cfg.Stream.HeartbeatInterval)
			limiter := mw.NewStreamLimiter(cfg.Stream.MaxStreams)
			r.GET("/api/stream", limiter.Middleware(), streamhndlr.Stream)

			conns := r.Group("/api/stream/:cid", mw.RequireValidConnectionID())
			conns.GET("", streamhndlr.State)
			conns.POST("/auth", streamhndlr.Authenticate)
			conns.POST("/subscriptions", streamhndlr.Subscribe)
			conns.DELETE("/subscriptions", streamhndlr.Unsubscribe)
			conns.PATCH("/options", streamhndlr.PatchOptions)
		}

		// --- Protected endpoints (auth required) ---
		{
			authed := r.Group("", mw.Authentication(authsvc), mw.ValidateSessionCSRF(authsvc))
			authed.GET("/api/me", handler.Me(authsvc))
			if usersesssvc != nil {
				authed.GET("/api/csrf", handler.IssueSessionCSRF)
			}

			processeshndlr := handler.NewProcessesHandler(log, broker, processlistsvc)
			authed.GET("/api/processes", processeshndlr.List)
			authed.GET("/api/processes/:name/logs", processeshndlr.GetLogs)
			authed.DELETE("/api/processes/:name/logs", processeshndlr.ForgetLogs)
			authed.GET("/api/stats", processeshndlr.Stats)
		}
	}

	httpsrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
		// No WriteTimeout: SSE streams are long-lived; heartbeats detect dead peers.
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		broker.Cleanup() // ends open streams so Shutdown can drain
		return httpsrv.Shutdown(shutdownCtx)
	})

	if cfg.Redis.Enabled {
		src := redis.NewEventSource(log, rdb, broker, cfg.Redis.ChannelPrefix, cfg.Exclude)
		g.Go(func() error { return src.Run(gctx) })
	}

	if len(cfg.Programs.Run) > 0 {
		var sink logbroker.Sink = broker
		if cfg.Programs.Publish {
			pub := redis.NewPublisher(log, rdb, cfg.Redis.ChannelPrefix)
			if cfg.Redis.Enabled {
				sink = pub // comes back through the event source
			} else {
				sink = procsource.Tee(broker, pub)
			}
		}
		sup := procsource.NewSupervisor(log, sink)
		g.Go(func() error { return sup.Run(gctx, programs(cfg.Programs.Run)) })
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("logstream-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger, authsvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", mw.GetRequestID(c)),
			zap.Duration("latency", latency),
		}
		if p := authsvc.WhoAmI(c); p != nil {
			fields = append(fields, zap.Dict("auth",
				zap.String("id", p.ID),
				zap.String("kind", p.Kind.String()),
			))
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger(cfg config.LogConfig) *zap.Logger {
	var logConfig zap.Config
	if cfg.Format == "json" {
		logConfig = zap.NewProductionConfig()
	} else {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true

	level := zap.DebugLevel
	if cfg.Level != "" {
		if l, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = l
		}
	}
	logConfig.Level.SetLevel(level)
	return zap.Must(logConfig.Build())
}

// loadConfig reads path; a missing default file means built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		return config.Parse(nil)
	}
	return cfg, err
}

// redacted hides secrets before the config is dumped.
func redacted(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cfg.Auth.Token)
	mask(&cfg.Auth.Password)
	mask(&cfg.Auth.SessionSecret)
	mask(&cfg.Redis.Password)
	return cfg
}

func programs(in []config.ProgramConfig) []procsource.Program {
	out := make([]procsource.Program, 0, len(in))
	for _, p := range in {
		out = append(out, procsource.Program{
			Name:            p.Name,
			Argv:            p.Argv,
			Env:             p.Env,
			RestartCooldown: p.RestartCooldown,
		})
	}
	return out
}
