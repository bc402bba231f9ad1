// Command ppsctl runs maintenance passes against an entity directory
// without going through the daemon: graph curation, paced backfill of
// the ingestion backlog, ingestion marker repair, and manual document
// sweeps. Commands open the same stores the daemon does, so running
// them while the daemon is up is safe; batch claims are atomic.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/cache"
	"github.com/pattern-persistence/pps/internal/config"
	"github.com/pattern-persistence/pps/internal/curator"
	"github.com/pattern-persistence/pps/internal/docindex"
	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/embedding"
	"github.com/pattern-persistence/pps/internal/entity"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/logging"
	"github.com/pattern-persistence/pps/internal/scheduler"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/texture"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

var (
	flagDeep       bool
	flagAutoDelete bool
	flagBatchSize  int
	flagPauseSecs  int
	flagMaxBatches int
	flagSandbox    bool
	flagDryRun     bool
	flagFromID     int64
	flagToID       int64
	flagStore      string
)

var rootCmd = &cobra.Command{
	Use:           "ppsctl",
	Short:         "Maintenance commands for a pattern persistence entity",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// env is the part of the daemon wiring every command starts from.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	entity *entity.Entity
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	e, err := entity.Load(cfg.EntityName, cfg.EntityPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load entity %s: %w", cfg.EntityPath, err)
	}
	return &env{cfg: cfg, logger: logger, entity: e}, nil
}

func (v *env) openStore() (*store.Store, error) {
	return store.Open(v.entity.DatabasePath(), v.logger)
}

// embedStack builds the vector client and a cached embedder. The cache is
// memory-only here; a CLI pass is too short to benefit from Redis.
func (v *env) embedStack() (*vectorindex.Client, embedding.Embedder, error) {
	vectors := vectorindex.New(v.cfg.QdrantURL, v.cfg.VectorTimeout, v.logger)
	tiered, err := cache.NewTiered(cache.Options{}, v.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build cache: %w", err)
	}
	raw, err := embedding.New(&v.cfg, v.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedder: %w", err)
	}
	return vectors, embedding.NewCached(raw, tiered, v.cfg.EmbeddingModel), nil
}

// textureStack wires the full L3 pipeline. groupID picks the live graph or
// the sandbox.
func (v *env) textureStack(ctx context.Context, groupID string) (*graph.Client, *texture.Service, func(), error) {
	gcfg := graph.DefaultClientConfig()
	gcfg.Address = v.cfg.DgraphAddr
	g, err := graph.NewClient(ctx, gcfg, v.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect graph engine %s: %w", v.cfg.DgraphAddr, err)
	}
	vectors, embed, err := v.embedStack()
	if err != nil {
		g.Close()
		return nil, nil, nil, err
	}
	model := llm.New(v.cfg.LLMEndpoint(), v.cfg.LLMModel, v.cfg.LLMTimeout, v.logger)
	tex := texture.New(g, vectors, embed, model, texture.Options{
		GroupID:        groupID,
		ProcessEntity:  v.cfg.EntityName,
		SemanticWeight: v.cfg.TextureSemanticWeight,
	}, v.logger)
	closer := func() {
		embed.Close()
		g.Close()
	}
	return g, tex, closer, nil
}

var curatorCmd = &cobra.Command{
	Use:   "curator",
	Short: "Scan the knowledge graph for vague nodes and duplicate edges",
	Long: `Walks the configured seed entities and reports vague nodes, duplicate
edges, and (with --deep) semantic near-duplicates across the whole group.
With --auto-delete the exact-duplicate and superseded edges are removed and
each deletion is recorded as a trace event.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newEnv()
		if err != nil {
			return err
		}
		defer v.logger.Sync()
		ctx := cmd.Context()

		st, err := v.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		g, tex, closeStack, err := v.textureStack(ctx, v.entity.GroupID())
		if err != nil {
			return err
		}
		defer closeStack()

		cur := curator.New(tex, g, st, curator.Config{
			GroupID: v.entity.GroupID(),
			Seeds:   v.cfg.CuratorSeeds,
		}, v.logger)

		rep, err := cur.Run(ctx, curator.Options{Deep: flagDeep, AutoDelete: flagAutoDelete})
		if err != nil {
			return err
		}
		out, err := jsonx.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var pacedCmd = &cobra.Command{
	Use:   "paced-ingestion",
	Short: "Backfill the knowledge graph in paced batches",
	Long: `Claims and ingests graph batches until the backlog drains, pausing
between batches so the extraction model is not saturated. Exits 1 when a
batch fails with a transient fault (rate limit, network timeout); rerun
after the upstream recovers. With --sandbox the turns are ingested into the
<entity>_sandbox group and no ingestion markers are written, so the run can
be inspected and discarded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newEnv()
		if err != nil {
			return err
		}
		defer v.logger.Sync()
		ctx := cmd.Context()

		st, err := v.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		size := flagBatchSize
		if size <= 0 {
			size = v.cfg.GraphBatch
		}
		pause := time.Duration(flagPauseSecs) * time.Second

		groupID := v.entity.GroupID()
		if flagSandbox {
			groupID = v.entity.SandboxGroupID()
		}
		_, tex, closeStack, err := v.textureStack(ctx, groupID)
		if err != nil {
			return err
		}
		defer closeStack()

		if flagSandbox {
			return runSandboxIngestion(ctx, st, tex, v.cfg.GraphTimeout, size, pause)
		}

		sched := scheduler.New(scheduler.Config{
			GraphBatch:     size,
			EpisodeTimeout: v.cfg.GraphTimeout,
		}, scheduler.Deps{Ledger: st, Episodes: tex}, v.logger)

		for n := 0; flagMaxBatches <= 0 || n < flagMaxBatches; n++ {
			out := sched.RunBatch(ctx, size)
			if out.Empty {
				fmt.Println("backlog drained")
				return nil
			}
			if out.Transient {
				return fmt.Errorf("batch %d stopped by transient %s fault: %w", out.BatchID, out.Category, out.Err)
			}
			if out.Err != nil {
				return out.Err
			}
			remaining, err := st.CountUningested(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("batch %d: ingested %d, hard-failed %d, %d remaining\n",
				out.BatchID, out.Ingested, out.Failed, remaining)
			if remaining == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		return nil
	},
}

// runSandboxIngestion replays the uningested backlog into the sandbox group.
// Markers stay untouched, so the same turns remain pending for the real
// pipeline and the sandbox run can be repeated.
func runSandboxIngestion(ctx context.Context, st *store.Store, tex *texture.Service, episodeTimeout time.Duration, size int, pause time.Duration) error {
	limit, err := st.CountUningested(ctx)
	if err != nil {
		return err
	}
	if flagMaxBatches > 0 && flagMaxBatches*size < limit {
		limit = flagMaxBatches * size
	}
	if limit == 0 {
		fmt.Println("backlog drained")
		return nil
	}
	turns, err := st.FetchUningested(ctx, limit)
	if err != nil {
		return err
	}

	for start := 0; start < len(turns); start += size {
		end := start + size
		if end > len(turns) {
			end = len(turns)
		}
		var failed int
		for _, turn := range turns[start:end] {
			role := "user"
			if turn.IsOwn {
				role = "assistant"
			}
			ictx, cancel := context.WithTimeout(ctx, episodeTimeout)
			err := tex.Ingest(ictx, turn.Content, texture.Meta{
				Channel:   turn.Channel,
				Role:      role,
				Speaker:   turn.AuthorName,
				Timestamp: turn.CreatedAt,
			})
			cancel()
			if err == nil {
				continue
			}
			if faults.IsTransient(err) {
				return fmt.Errorf("sandbox run stopped by transient %s fault: %w", faults.KindOf(err), err)
			}
			failed++
		}
		fmt.Printf("sandbox batch %d-%d: ingested %d, failed %d\n",
			turns[start].ID, turns[end-1].ID, end-start-failed, failed)
		if end == len(turns) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	fmt.Println("sandbox run complete; ingestion markers untouched")
	return nil
}

var resetCmd = &cobra.Command{
	Use:   "reset-ingestion-markers",
	Short: "Clear every graph ingestion marker so the full history re-ingests",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newEnv()
		if err != nil {
			return err
		}
		defer v.logger.Sync()
		ctx := cmd.Context()

		st, err := v.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		total, err := st.CountTurns(ctx)
		if err != nil {
			return err
		}
		pending, err := st.CountUningested(ctx)
		if err != nil {
			return err
		}
		if flagDryRun {
			fmt.Printf("would clear %d markers; %d of %d turns already pending\n",
				total-pending, pending, total)
			return nil
		}
		cleared, err := st.ResetIngestionMarkers(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d markers; %d turns now pending ingestion\n", cleared, total)
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair-jina-records",
	Short: "Drop the semantic fact collection and replay mis-embedded turns",
	Long: `Turns ingested while a different embedding provider or dimension was
configured leave unsearchable vectors in the fact collection. This drops the
collection (it is recreated at the current dimension on the next ingest) and
clears ingestion markers so the affected turns replay. Without --from/--to
every marker is cleared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newEnv()
		if err != nil {
			return err
		}
		defer v.logger.Sync()
		ctx := cmd.Context()

		if (flagFromID == 0) != (flagToID == 0) {
			return fmt.Errorf("--from and --to must be given together")
		}
		scope := "all marked turns"
		if flagFromID > 0 {
			if flagToID < flagFromID {
				return fmt.Errorf("--to %d is before --from %d", flagToID, flagFromID)
			}
			scope = fmt.Sprintf("turns %d-%d", flagFromID, flagToID)
		}

		if flagDryRun {
			fmt.Printf("would drop collection %q and clear markers on %s\n",
				vectorindex.CollectionGraphFacts, scope)
			return nil
		}

		fmt.Printf("This drops collection %q and clears ingestion markers on %s.\nType \"repair\" to continue: ",
			vectorindex.CollectionGraphFacts, scope)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if strings.TrimSpace(line) != "repair" {
			fmt.Println("aborted, nothing changed")
			return nil
		}

		st, err := v.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		vectors := vectorindex.New(v.cfg.QdrantURL, v.cfg.VectorTimeout, v.logger)
		if err := vectors.DropCollection(ctx, vectorindex.CollectionGraphFacts); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}

		var cleared int64
		if flagFromID > 0 {
			cleared, err = st.ClearMarkersInRange(ctx, flagFromID, flagToID)
		} else {
			cleared, err = st.ResetIngestionMarkers(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("dropped %s; cleared %d markers\n", vectorindex.CollectionGraphFacts, cleared)
		return nil
	},
}

var indexDocsCmd = &cobra.Command{
	Use:   "index-docs",
	Short: "Run one manual document sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newEnv()
		if err != nil {
			return err
		}
		defer v.logger.Sync()
		ctx := cmd.Context()

		vectors, embed, err := v.embedStack()
		if err != nil {
			return err
		}
		defer embed.Close()

		index, err := docindex.Open(v.entity.DocIndexPath(), v.logger)
		if err != nil {
			return fmt.Errorf("open doc index: %w", err)
		}
		defer index.Close()

		newDocs := func(collection, docType string) *docstore.Store {
			return docstore.New(docstore.Config{
				Collection: collection,
				Entity:     v.entity.GroupID(),
				DocType:    docType,
			}, vectors, embed, index, v.logger)
		}
		targets := []scheduler.SweepTarget{
			{Name: vectorindex.CollectionWordPhotos, Store: newDocs(vectorindex.CollectionWordPhotos, "word_photo"), Roots: []string{v.entity.WordPhotosDir()}, Category: "word_photo"},
			{Name: vectorindex.CollectionTechDocs, Store: newDocs(vectorindex.CollectionTechDocs, "tech_doc"), Roots: []string{v.entity.TechDocsDir()}, Category: "tech_doc"},
			{Name: vectorindex.CollectionCrystals, Store: newDocs(vectorindex.CollectionCrystals, "crystal"), Roots: []string{v.entity.CrystalsCurrentDir(), v.entity.CrystalsArchiveDir()}, Category: "crystal"},
			{Name: vectorindex.CollectionFrictions, Store: newDocs(vectorindex.CollectionFrictions, "friction"), Roots: []string{v.entity.FrictionsDir()}, Category: "friction"},
		}

		if flagStore != "" {
			var picked []scheduler.SweepTarget
			for _, t := range targets {
				if t.Name == flagStore {
					picked = append(picked, t)
				}
			}
			if picked == nil {
				names := make([]string, len(targets))
				for i, t := range targets {
					names[i] = t.Name
				}
				return fmt.Errorf("unknown store %q (have %s)", flagStore, strings.Join(names, ", "))
			}
			targets = picked
		}

		sched := scheduler.New(scheduler.Config{}, scheduler.Deps{Sweeps: targets}, v.logger)
		rep := sched.DocSweep(ctx)
		fmt.Printf("indexed %d, updated %d, unchanged %d, errors %d\n",
			rep.Indexed, rep.Updated, rep.Unchanged, rep.Errors)
		if rep.Errors > 0 {
			return fmt.Errorf("sweep finished with %d errors", rep.Errors)
		}
		return nil
	},
}

func init() {
	curatorCmd.Flags().BoolVar(&flagDeep, "deep", false, "also run the group-wide semantic duplicate scan")
	curatorCmd.Flags().BoolVar(&flagAutoDelete, "auto-delete", false, "delete flagged edges instead of only reporting them")

	pacedCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "turns per batch (default: configured graph batch size)")
	pacedCmd.Flags().IntVar(&flagPauseSecs, "pause", 5, "seconds to sleep between batches")
	pacedCmd.Flags().IntVar(&flagMaxBatches, "max-batches", 0, "stop after this many batches (0 runs until drained)")
	pacedCmd.Flags().BoolVar(&flagSandbox, "sandbox", false, "ingest into the sandbox group and leave markers untouched")

	resetCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without writing")

	repairCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without writing")
	repairCmd.Flags().Int64Var(&flagFromID, "from", 0, "first turn ID to clear")
	repairCmd.Flags().Int64Var(&flagToID, "to", 0, "last turn ID to clear")

	indexDocsCmd.Flags().StringVar(&flagStore, "store", "", "sweep only this store (word_photos, tech_docs, crystals, frictions)")

	rootCmd.AddCommand(curatorCmd, pacedCmd, resetCmd, repairCmd, indexDocsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ppsctl:", err)
		os.Exit(1)
	}
}
