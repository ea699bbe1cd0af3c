package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"physionet.org/internal/access"
	"physionet.org/internal/auth"
	"physionet.org/internal/config"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/fileview"
	"physionet.org/internal/httpapi"
	"physionet.org/internal/obs"
	"physionet.org/internal/project"
	"physionet.org/internal/projectfiles"
	"physionet.org/internal/store/pg"
	"physionet.org/internal/tasks"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("PHYSIONET_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Service.Version == "dev" {
		cfg.Service.Version = version
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Service.Name, cfg.Service.Version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Хранилище: PostgreSQL, если задан DSN, иначе всё в памяти.
	var (
		projects     project.Store
		entitlements entitlement.Store
		users        auth.UserStore
		probe        httpapi.ReadyProbe
		db           *pg.Store
	)
	if cfg.Database.DSN != "" {
		db, err = pg.Open(cfg.Database.DSN, pg.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		projects, entitlements, users = db, db, db
		probe.DB = db
	} else {
		obs.Warn("no database configured, using in-memory stores", nil)
		projects, entitlements, users = project.NewInMemory(), entitlement.NewInMemory(), auth.NewInMemoryUsers()
	}

	files, err := projectfiles.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("storage backend: %v", err)
	}

	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		log.Fatalf("task locker: %v", err)
	}
	defer closeLocker()

	var queue tasks.Queue
	if cfg.UsesKafka() {
		kq, err := tasks.NewKafkaQueue(cfg.Tasks.Brokers, cfg.Tasks.Topic)
		if err != nil {
			log.Fatalf("kafka queue: %v", err)
		}
		defer kq.Close()
		queue = kq
	} else {
		queue = tasks.NewMemoryQueue(0)
	}

	lifecycle := project.NewLifecycle(projects, files, locker, queue, project.LifecycleOptions{
		DefaultAllowance: cfg.Projects.DefaultAllowance,
		LockTTL:          cfg.Tasks.LockTTL,
	})

	// Без брокера задачи выполняет встроенный воркер.
	if mq, ok := queue.(*tasks.MemoryQueue); ok {
		worker := tasks.NewWorker(mq, locker, tasks.WorkerOptions{LockTTL: cfg.Tasks.LockTTL})
		lifecycle.RegisterTasks(worker)
		go func() {
			if err := worker.Run(ctx); err != nil {
				obs.Error("in-process worker stopped", err, nil)
			}
		}()
	}

	var tokens *auth.Tokens
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			log.Fatalf("tokens: %v", err)
		}
	} else {
		obs.Warn("no jwt secret configured, every request is anonymous", nil)
	}

	api := httpapi.New(httpapi.Deps{
		Projects:     projects,
		Lifecycle:    lifecycle,
		Engine:       access.NewEngine(projects, entitlements),
		Entitlements: entitlements,
		Users:        users,
		Tokens:       tokens,
		Ready:        probe,
		Version:      cfg.Service.Version,
		Preview: fileview.Limits{
			MaxTextBytes:  cfg.Projects.PreviewMaxBytes,
			MaxTableRows:  cfg.Projects.PreviewMaxRows,
			MaxTableBytes: cfg.Projects.PreviewMaxBytes,
		},
	}, httpapi.Options{
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.Service.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go health.Run(ctx, 10*time.Second)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc server stopped", err, nil)
		}
	}()

	obs.Info("starting", map[string]any{
		"service": cfg.Service.Name, "version": cfg.Service.Version,
		"http_addr": cfg.Service.HTTPAddr, "grpc_addr": cfg.Service.GRPCAddr,
		"storage": files.Backend(), "kafka": cfg.UsesKafka(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}

// newLocker returns the Redis locker when configured, otherwise an
// in-process one.
func newLocker(cfg config.Config) (tasks.Locker, func(), error) {
	if cfg.Tasks.RedisURL == "" {
		return tasks.NewMemoryLocker(), func() {}, nil
	}
	client, err := tasks.Connect(cfg.Tasks.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return tasks.NewRedisLocker(client), func() { _ = client.Close() }, nil
}
