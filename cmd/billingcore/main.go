package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/telecom/billingcore/internal/account"
    "github.com/telecom/billingcore/internal/billing"
    "github.com/telecom/billingcore/internal/cache"
    "github.com/telecom/billingcore/internal/cdr"
    "github.com/telecom/billingcore/internal/config"
    "github.com/telecom/billingcore/internal/esl"
    "github.com/telecom/billingcore/internal/health"
    "github.com/telecom/billingcore/internal/httpapi"
    "github.com/telecom/billingcore/internal/metrics"
    "github.com/telecom/billingcore/internal/rating"
    "github.com/telecom/billingcore/internal/reservation"
    "github.com/telecom/billingcore/internal/store"
    "github.com/telecom/billingcore/pkg/logger"
)

var (
    configFile string
    serveMode  bool
    verbose    bool

    db         *store.DB
    redisCache *cache.Cache
    acctStore  *account.Store
    rateStore  *rating.SQLStore
    reservStore *reservation.Store
    reservMgr  *reservation.Manager
    authzSvc   *billing.Service
    cdrStore   *cdr.Store
    httpSvc    *httpapi.Server
    healthSvc  *health.HealthService
    metricsSvc *metrics.PrometheusMetrics
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&serveMode, "serve", false, "Run the billing core server")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if serveMode {
        runServer()
        return
    }

    runCLI()
}

func runServer() {
    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    cfg, err := config.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        os.Exit(1)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }
    if verbose {
        logConfig.Level = "debug"
    }
    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if err := bootstrap(ctx, cfg); err != nil {
        logger.Fatal("failed to bootstrap billing core", "error", err)
    }

    logger.Info("billing core started")
    <-ctx.Done()
    logger.Info("shutting down")
    shutdown()
}

func bootstrap(ctx context.Context, cfg *config.Config) error {
    var err error

    db, err = store.Open(ctx, store.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
        Charset:         cfg.Database.Charset,
    })
    if err != nil {
        return fmt.Errorf("database: %w", err)
    }

    if err := store.RunMigrations(db.DB); err != nil {
        return fmt.Errorf("migrations: %w", err)
    }

    redisCache, err = cache.New(ctx, cache.Config{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
        DialTimeout:  cfg.Redis.DialTimeout,
        ReadTimeout:  cfg.Redis.ReadTimeout,
        WriteTimeout: cfg.Redis.WriteTimeout,
    }, "billingcore")
    if err != nil {
        return fmt.Errorf("cache: %w", err)
    }

    acctStore = account.NewStore(db.DB)
    rateStore = rating.NewSQLStore(db.DB)
    rateSvc := rating.NewService(rateStore, redisCache, cfg.Billing.RateCacheTTL)
    reservStore = reservation.NewStore(db.DB)
    reservMgr = reservation.NewManager(db.DB, reservStore, acctStore, redisCache)
    cdrStore = cdr.NewStore(db.DB)
    failureQueue := cdr.NewFailureQueue(db.DB)
    retrier := cdr.NewRetrier(failureQueue, cdrStore)

    limits := billing.Limits{
        InitialReservationMinutes: cfg.Billing.InitialReservationMinutes,
        ReservationBufferPercent:  cfg.Billing.ReservationBufferPercent,
        MinReservation:            cfg.Billing.MinReservation,
        MaxReservation:            cfg.Billing.MaxReservation,
        MaxDeficit:                cfg.Billing.MaxDeficit,
        ReservationTTL:            cfg.Billing.ReservationTTL,
        MaxConcurrentCalls:        cfg.Billing.MaxConcurrentCalls,
        IdempotencyLockTTL:        cfg.Billing.IdempotencyLockTTL,
    }
    authzSvc = billing.NewService(acctStore, rateSvc, reservMgr, redisCache, limits)

    go reservMgr.RunExpirySweeper(ctx, 30*time.Second, 200)
    go retrier.Run(ctx, time.Minute)

    servers := cfg.FreeSwitch.ServerList()
    conns := make([]*esl.Connection, 0, len(servers))
    for _, srv := range servers {
        conn := esl.NewConnection(esl.Config{
            Addr:             srv.Addr(),
            Password:         srv.Password,
            ConnectTimeout:   cfg.FreeSwitch.ConnectTimeout,
            ActionTimeout:    cfg.FreeSwitch.ActionTimeout,
            PingInterval:     cfg.FreeSwitch.PingInterval,
            InitialReconnect: cfg.FreeSwitch.InitialReconnect,
            MaxReconnect:     cfg.FreeSwitch.MaxReconnect,
            EventBufferSize:  cfg.FreeSwitch.EventBufferSize,
        })

        coordinator := billing.NewCoordinator(authzSvc, reservMgr, rateSvc, cdrStore, failureQueue,
            redisCache, billing.NewESLSink(conn), cfg.Billing.MonitorTickInterval)
        conn.RegisterEventHandler(coordinator.HandleEvent)

        go conn.Run(ctx)
        conns = append(conns, conn)
    }

    metricsSvc = metrics.NewPrometheusMetrics()
    if cfg.Monitoring.Metrics.Enabled {
        go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return db.PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !db.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return db.PingContext(ctx)
        }))
        for i, conn := range conns {
            conn := conn
            healthSvc.RegisterReadinessCheck(fmt.Sprintf("freeswitch-%d", i), health.CheckFunc(func(ctx context.Context) error {
                if !conn.IsConnected() {
                    return fmt.Errorf("softswitch not connected")
                }
                return nil
            }))
        }
        go healthSvc.Start()
    }

    apiAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
    httpSvc = httpapi.NewServer(apiAddr, authzSvc, reservMgr, func(ctx context.Context) error {
        return db.PingContext(ctx)
    }, cfg.API.ReadTimeout, cfg.API.WriteTimeout)
    go func() {
        if err := httpSvc.Start(); err != nil {
            logger.WithError(err).Warn("http control surface stopped")
        }
    }()

    return nil
}

func shutdown() {
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    if httpSvc != nil {
        httpSvc.Stop(shutdownCtx)
    }
    if healthSvc != nil {
        healthSvc.Stop()
    }
    if redisCache != nil {
        redisCache.Close()
    }
    if db != nil {
        db.Close()
    }
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "billingcore",
        Short: "Real-time telephony billing core",
        Long:  "Authorizes, monitors and settles outbound calls against prepaid and postpaid balances.",
    }

    rootCmd.AddCommand(
        createAccountCommands(),
        createRateCommands(),
        createReservationCommands(),
        createCDRCommands(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func initializeForCLI(ctx context.Context) error {
    cfg, err := config.Load(configFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    if err := logger.Init(logger.Config{Level: "warn", Format: "text", Output: "stdout"}); err != nil {
        return fmt.Errorf("failed to initialize logger: %w", err)
    }

    db, err = store.Open(ctx, store.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
        Charset:         cfg.Database.Charset,
    })
    if err != nil {
        return fmt.Errorf("failed to connect to database: %w", err)
    }

    acctStore = account.NewStore(db.DB)
    rateStore = rating.NewSQLStore(db.DB)
    reservStore = reservation.NewStore(db.DB)
    cdrStore = cdr.NewStore(db.DB)
    return nil
}
