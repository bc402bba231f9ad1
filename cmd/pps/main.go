// Command pps runs the pattern persistence daemon for one entity: the
// SQLite conversation ledger, the background summarization and graph
// ingestion loops, and the authenticated RPC surface on localhost.
//
// With --mcp-stdio the daemon speaks the Model Context Protocol on
// stdin/stdout instead of listening on HTTP. Logs are forced to a file
// in that mode because stdout carries the protocol frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/cache"
	"github.com/pattern-persistence/pps/internal/capture"
	"github.com/pattern-persistence/pps/internal/config"
	"github.com/pattern-persistence/pps/internal/docindex"
	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/embedding"
	"github.com/pattern-persistence/pps/internal/entity"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/logging"
	"github.com/pattern-persistence/pps/internal/mcp"
	"github.com/pattern-persistence/pps/internal/recall"
	"github.com/pattern-persistence/pps/internal/rpc"
	"github.com/pattern-persistence/pps/internal/scheduler"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/summaries"
	"github.com/pattern-persistence/pps/internal/texture"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

var version = "dev"

func main() {
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pps", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pps: load config:", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if *mcpStdio && logFile == "" {
		logFile = filepath.Join(cfg.EntityPath, "logs", "pps.log")
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: logFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pps: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("daemon panicked", zap.Any("panic", r), zap.Stack("stack"))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := entity.Load(cfg.EntityName, cfg.EntityPath, logger)
	if err != nil {
		logger.Fatal("load entity", zap.String("path", cfg.EntityPath), zap.Error(err))
	}

	st, err := store.Open(e.DatabasePath(), logger)
	if err != nil {
		logger.Fatal("open conversation ledger", zap.Error(err))
	}
	defer st.Close()

	gcfg := graph.DefaultClientConfig()
	gcfg.Address = cfg.DgraphAddr
	g, err := graph.NewClient(ctx, gcfg, logger)
	if err != nil {
		logger.Fatal("connect graph engine", zap.String("addr", cfg.DgraphAddr), zap.Error(err))
	}
	defer g.Close()

	vectors := vectorindex.New(cfg.QdrantURL, cfg.VectorTimeout, logger)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	tiered, err := cache.NewTiered(cache.Options{Redis: redisClient}, logger)
	if err != nil {
		logger.Fatal("build cache", zap.Error(err))
	}

	rawEmbed, err := embedding.New(&cfg, logger)
	if err != nil {
		logger.Fatal("build embedder", zap.String("provider", cfg.EmbeddingProvider), zap.Error(err))
	}
	embed := embedding.NewCached(rawEmbed, tiered, cfg.EmbeddingModel)
	defer embed.Close()

	model := llm.New(cfg.LLMEndpoint(), cfg.LLMModel, cfg.LLMTimeout, logger)

	index, err := docindex.Open(e.DocIndexPath(), logger)
	if err != nil {
		logger.Fatal("open document index", zap.String("path", e.DocIndexPath()), zap.Error(err))
	}
	defer index.Close()

	newDocs := func(collection, docType string) *docstore.Store {
		return docstore.New(docstore.Config{
			Collection: collection,
			Entity:     e.GroupID(),
			DocType:    docType,
		}, vectors, embed, index, logger)
	}
	wordPhotos := newDocs(vectorindex.CollectionWordPhotos, "word_photo")
	techDocs := newDocs(vectorindex.CollectionTechDocs, "tech_doc")
	crystals := newDocs(vectorindex.CollectionCrystals, "crystal")
	frictions := newDocs(vectorindex.CollectionFrictions, "friction")

	tex := texture.New(g, vectors, embed, model, texture.Options{
		GroupID:        e.GroupID(),
		ProcessEntity:  cfg.EntityName,
		SemanticWeight: cfg.TextureSemanticWeight,
	}, logger)

	sums := summaries.New(st, model, logger)
	turns := capture.New(st, logger)

	if cfg.NATSURL != "" {
		intake, err := capture.StartIntake(turns, cfg.NATSURL, "pps-"+e.GroupID(), logger)
		if err != nil {
			logger.Warn("intake bus unavailable, continuing without it", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			defer intake.Close()
		}
	}

	recallEngine := recall.New(recall.Config{
		Entity:           cfg.EntityName,
		ByteCap:          cfg.RecallByteCap,
		LimitPerLayer:    cfg.RecallLimitPerLayer,
		AggregateTimeout: cfg.RecallTimeout,
		CrystalsCurrent:  e.CrystalsCurrentDir(),
		CrystalsArchive:  e.CrystalsArchiveDir(),
		WordPhotoRoot:    e.WordPhotosDir(),
	}, recall.Deps{
		Ledger:     st,
		Summaries:  sums,
		Texture:    tex,
		WordPhotos: wordPhotos,
		TechDocs:   techDocs,
		Cache:      tiered,
	}, logger)

	sched := scheduler.New(scheduler.Config{
		SummaryTick:      cfg.SummaryTick,
		GraphTick:        cfg.GraphTick,
		DocSweepTick:     cfg.DocSweep,
		HealthTick:       cfg.HealthTick,
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryBatch:     cfg.SummaryBatch,
		GraphThreshold:   cfg.GraphThreshold,
		GraphBatch:       cfg.GraphBatch,
		BatchPause:       cfg.BatchPause,
		SummaryTimeout:   cfg.LLMTimeout,
		EpisodeTimeout:   cfg.GraphTimeout,
	}, scheduler.Deps{
		Ledger:     st,
		Summarizer: sums,
		Episodes:   tex,
		Sweeps: []scheduler.SweepTarget{
			{Name: vectorindex.CollectionWordPhotos, Store: wordPhotos, Roots: []string{e.WordPhotosDir()}, Category: "word_photo"},
			{Name: vectorindex.CollectionTechDocs, Store: techDocs, Roots: []string{e.TechDocsDir()}, Category: "tech_doc"},
			{Name: vectorindex.CollectionCrystals, Store: crystals, Roots: []string{e.CrystalsCurrentDir(), e.CrystalsArchiveDir()}, Category: "crystal"},
			{Name: vectorindex.CollectionFrictions, Store: frictions, Roots: []string{e.FrictionsDir()}, Category: "friction"},
		},
		Probes: scheduler.Probes{
			Store:   st.Health,
			Graph:   g.Health,
			Vectors: vectors.Health,
			Embedding: func(ctx context.Context) error {
				_, err := embed.Embed(ctx, "health probe")
				return err
			},
		},
	}, logger)

	sched.Start()
	defer sched.Stop()

	server := rpc.NewServer(rpc.Deps{
		Entity:    e,
		Ledger:    st,
		Turns:     turns,
		Summaries: sums,
		Texture:   tex,
		Recall:    recallEngine,
		Batches:   sched,
		Frictions: frictions,
		Docs: map[string]rpc.DocIngester{
			vectorindex.CollectionWordPhotos: wordPhotos,
			vectorindex.CollectionTechDocs:   techDocs,
			vectorindex.CollectionCrystals:   crystals,
			vectorindex.CollectionFrictions:  frictions,
		},
	}, logger)

	if *mcpStdio {
		logger.Info("serving MCP on stdio",
			zap.String("entity", e.Name),
			zap.String("version", version))
		srv := mcp.NewServer(mcp.Config{
			Dispatch: server,
			Token:    e.Token(),
			Name:     "pps",
			Version:  version,
			Logger:   logger,
		})
		if err := mcp.NewStdioTransport(logger).Serve(ctx, srv); err != nil {
			logger.Fatal("stdio transport failed", zap.Error(err))
		}
		return
	}

	logger.Info("pattern persistence daemon up",
		zap.String("entity", e.Name),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("version", version))
	if err := server.Run(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("rpc server failed", zap.Error(err))
	}
}
