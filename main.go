package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appcmd "github.com/lryan599/grageng/cmd"
	"github.com/lryan599/grageng/config"
	"github.com/lryan599/grageng/kg"
	"github.com/lryan599/grageng/logging"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg)
	if err != nil {
		slog.Error("open log file", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger.Logger)

	if err := run(cfg, logger.Logger); err != nil {
		logger.Error("application exited with error", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("application is starting",
		"graph_id", cfg.Graph.ID,
		"backend", cfg.Graph.Backend,
		"embedder", cfg.Model.EmbedderProvider,
	)

	storeOpts, err := storeOptions(cfg, logger)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg, storeOpts)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := kg.NewInMemAppMetrics()
	appOpts := []appcmd.AppOption{appcmd.WithAppMetrics(metrics)}

	if cfg.Model.GraphEnabled {
		grapher := kg.NewOllamaGrapher(cfg.Model.OllamaURL, cfg.Model.GraphModel)
		grapher.MaxParallel = cfg.Model.GraphParallel
		builder := &kg.GraphBuilder{
			Chunker: kg.TextChunker{ChunkSize: cfg.Model.GraphChunkSize},
			Grapher: grapher,
		}
		appOpts = append(appOpts, appcmd.WithGraphBuilder(builder))
		logger.Info("configured ollama grapher",
			"url", cfg.Model.OllamaURL,
			"model", cfg.Model.GraphModel,
			"parallelism", cfg.Model.GraphParallel,
		)
	} else {
		logger.Info("graph extraction disabled", "hint", "set GRAGENG_GRAPH_ENABLED=true to enable")
	}

	if cfg.Model.ChatEnabled {
		appOpts = append(appOpts, appcmd.WithChatModel(kg.NewOllamaChat(cfg.Model.OllamaURL, cfg.Model.ChatModel)))
		logger.Info("configured ollama chat", "url", cfg.Model.OllamaURL, "model", cfg.Model.ChatModel)
	}

	var snapshotInterval time.Duration
	if cfg.Snapshots.Enabled {
		publisher, closeBackends, err := newSnapshotPublisher(ctx, cfg, logger, metrics)
		if err != nil {
			return err
		}
		defer closeBackends()

		if cfg.Snapshots.RestoreOnStart {
			if err := restoreLatest(ctx, publisher, store, cfg.Graph.ID, logger); err != nil {
				return err
			}
		}
		appOpts = append(appOpts, appcmd.WithSnapshotPublisher(publisher))
		snapshotInterval = cfg.Snapshots.Interval
	}

	appCfg := appcmd.AppConfig{
		Address:           cfg.HTTP.Address,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
		GraphID:           cfg.Graph.ID,
		SnapshotInterval:  snapshotInterval,
		Logger:            logger,
	}
	app := appcmd.NewApp(store, appCfg, appOpts...)

	if err := app.Start(); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	logger.Info("grageng listening", "address", app.Address())

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	return app.Wait()
}

func storeOptions(cfg *config.Config, logger *slog.Logger) ([]kg.StoreOption, error) {
	opts := []kg.StoreOption{
		kg.WithLogger(logger),
		kg.WithEmbeddingAlgorithm(kg.AlgorithmSpectral, kg.SpectralEmbedding{Dim: cfg.Graph.SpectralDim}),
	}

	switch cfg.Model.EmbedderProvider {
	case "ollama":
		opts = append(opts, kg.WithEmbeddingAlgorithm(kg.AlgorithmText, kg.TextEmbedding{
			Embedder: kg.NewOllamaEmbedder(cfg.Model.OllamaURL, cfg.Model.OllamaModel),
		}))
		logger.Info("configured ollama embedder", "url", cfg.Model.OllamaURL, "model", cfg.Model.OllamaModel)
	case "local":
		le, err := kg.NewLocalEmbedder(cfg.Model.LocalEmbedDim)
		if err != nil {
			return nil, fmt.Errorf("create local embedder: %w", err)
		}
		opts = append(opts, kg.WithEmbeddingAlgorithm(kg.AlgorithmText, kg.TextEmbedding{Embedder: le}))
		logger.Info("configured local embedder", "dim", cfg.Model.LocalEmbedDim)
	case "none":
		logger.Info("text embedding disabled")
	}
	return opts, nil
}

func openStore(ctx context.Context, cfg *config.Config, opts []kg.StoreOption) (kg.GraphStore, func(), error) {
	if cfg.Graph.Backend != "duckdb" {
		return kg.NewMemoryGraphStore(opts...), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Graph.DuckDBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create duckdb dir: %w", err)
	}
	store, err := kg.OpenDuckDBGraphStore(ctx, cfg.Graph.DuckDBPath, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// newSnapshotPublisher connects the configured blob, manifest and lease
// backends. The returned func releases whatever connections were opened.
func newSnapshotPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *kg.InMemAppMetrics) (*kg.SnapshotPublisher, func(), error) {
	sc := cfg.Snapshots
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var blobs kg.BlobStore
	switch sc.BlobBackend {
	case "s3":
		client, err := newS3Client(ctx, sc)
		if err != nil {
			return nil, nil, err
		}
		blobs = kg.NewS3BlobStore(client, sc.S3Bucket, sc.S3Prefix)
		logger.Info("configured s3 blob store", "bucket", sc.S3Bucket, "prefix", sc.S3Prefix)
	default:
		blobs = kg.NewLocalBlobStore(sc.BlobRoot)
		logger.Info("configured local blob store", "root", sc.BlobRoot)
	}

	var manifests kg.ManifestStore = &kg.BlobManifestStore{Store: blobs}
	if sc.ManifestBackend == "mongo" {
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		closers = append(closers, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		coll := mongoClient.Database(sc.MongoDatabase).Collection(sc.MongoCollection)
		manifests = kg.NewMongoManifestStore(coll)
		logger.Info("configured mongo manifest store", "db", sc.MongoDatabase, "collection", sc.MongoCollection)
	}

	var leases kg.WriteLeaseManager = kg.NewInMemoryWriteLeaseManager()
	if sc.LeaseBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		rl, err := kg.NewRedisWriteLeaseManager(rdb, sc.RedisLeasePrefix)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		leases = rl
		logger.Info("configured redis lease manager", "addr", sc.RedisAddr)
	}

	publisher, err := kg.NewSnapshotPublisher(blobs, manifests,
		kg.WithWriteLeaseManager(leases, sc.LeaseTTL),
		kg.WithRetain(sc.Retain),
		kg.WithPublishRetries(sc.PublishMaxRetries),
		kg.WithPublishRetryObserver(metrics),
		kg.WithPublisherLogger(logger),
	)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("snapshots enabled", "interval", sc.Interval, "retain", sc.Retain)
	return publisher, closeAll, nil
}

func newS3Client(ctx context.Context, sc config.SnapshotConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sc.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// restoreLatest loads the newest published snapshot into an empty store.
func restoreLatest(ctx context.Context, publisher *kg.SnapshotPublisher, store kg.GraphStore, graphID string, logger *slog.Logger) error {
	labels, err := store.GetAllLabels(ctx)
	if err != nil {
		return err
	}
	if len(labels) > 0 {
		logger.Info("skipping snapshot restore", "reason", "graph is not empty", "nodes", len(labels))
		return nil
	}

	snap, ref, err := publisher.LoadLatest(ctx, graphID)
	if errors.Is(err, kg.ErrManifestNotFound) {
		logger.Info("no snapshot to restore", "graph_id", graphID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if err := kg.RestoreSnapshot(ctx, store, snap); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", ref.ID, err)
	}
	logger.Info("restored snapshot", "graph_id", graphID, "snapshot_id", ref.ID, "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	return nil
}
