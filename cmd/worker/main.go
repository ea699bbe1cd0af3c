package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"physionet.org/internal/config"
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

// The worker consumes publication tasks (checksums, zip archives, storage
// audits) from Kafka. It shares the database and storage backend with the api.
func main() {
	configPath := flag.String("config", os.Getenv("PHYSIONET_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.UsesKafka() {
		log.Fatal("worker needs PHYSIONET_KAFKA_BROKERS; without a broker the api runs tasks in-process")
	}
	if cfg.Database.DSN == "" {
		log.Fatal("worker needs PHYSIONET_PG_DSN")
	}

	obs.Init()
	obs.InitBuildInfo("physionet-worker", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.Open(cfg.Database.DSN, pg.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	files, err := projectfiles.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("storage backend: %v", err)
	}

	var locker tasks.Locker = tasks.NewMemoryLocker()
	if cfg.Tasks.RedisURL != "" {
		client, err := tasks.Connect(cfg.Tasks.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		locker = tasks.NewRedisLocker(client)
	} else {
		obs.Warn("no redis configured, task locks only cover this process", nil)
	}

	consumer, err := tasks.NewKafkaConsumer(cfg.Tasks.Brokers, cfg.Tasks.GroupID, cfg.Tasks.Topic)
	if err != nil {
		log.Fatalf("kafka consumer: %v", err)
	}
	defer consumer.Close()

	// Handlers never enqueue follow-up work, so the lifecycle gets no queue.
	lifecycle := project.NewLifecycle(db, files, locker, nil, project.LifecycleOptions{
		DefaultAllowance: cfg.Projects.DefaultAllowance,
		LockTTL:          cfg.Tasks.LockTTL,
	})
	worker := tasks.NewWorker(consumer, locker, tasks.WorkerOptions{LockTTL: cfg.Tasks.LockTTL})
	lifecycle.RegisterTasks(worker)

	obs.Info("worker starting", map[string]any{
		"topic": cfg.Tasks.Topic, "group": cfg.Tasks.GroupID, "storage": files.Backend(),
	})
	if err := worker.Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
	obs.Info("worker stopped", nil)
}
