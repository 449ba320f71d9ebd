package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/streamrunner/pkg/agg"
	"github.com/cuemby/streamrunner/pkg/cache"
	"github.com/cuemby/streamrunner/pkg/config"
	"github.com/cuemby/streamrunner/pkg/dag"
	"github.com/cuemby/streamrunner/pkg/epoch"
	"github.com/cuemby/streamrunner/pkg/log"
	"github.com/cuemby/streamrunner/pkg/metrics"
	"github.com/cuemby/streamrunner/pkg/recordstore"
	"github.com/cuemby/streamrunner/pkg/source"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "streamrunner",
	Short:   "streamrunner - embedded streaming dataflow engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"streamrunner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runCmd wires a fixed example DAG (schemas and operators declared in Go,
// not parsed from SQL — the frontend is out of scope, see SPEC_FULL.md):
// one synthetic "orders" source feeding a primary-key record store, fanning
// out to a raw cache sink and a per-customer SUM aggregator sink.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the example orders pipeline until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		homeDirFlag, _ := cmd.Flags().GetString("home-dir")
		commitSize, _ := cmd.Flags().GetUint32("commit-sz")
		commitTimeoutMs, _ := cmd.Flags().GetUint32("commit-timeout")
		bufferSize, _ := cmd.Flags().GetUint32("buffer-size")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		var commitTimeout time.Duration
		if commitTimeoutMs != 0 {
			commitTimeout = time.Duration(commitTimeoutMs) * time.Millisecond
		}
		cfg = cfg.ApplyFlagOverrides(commitSize, commitTimeout, bufferSize, homeDirFlag)

		if metricsAddr != "" {
			go func() {
				http.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, nil); err != nil {
					log.Logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		}

		if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
			return fmt.Errorf("streamrunner: create home dir: %w", err)
		}

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Logger.Info().Msg("shutdown requested")
			p.requestTermination()
			cancel()
		}()

		return p.run(ctx)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to a pipeline config YAML file (optional)")
	runCmd.Flags().String("home-dir", "", "Override home_dir from config")
	runCmd.Flags().Uint32("commit-sz", 0, "Override commit_sz from config")
	runCmd.Flags().Uint32("commit-timeout", 0, "Override commit_timeout (ms) from config")
	runCmd.Flags().Uint32("buffer-size", 0, "Override app_buffer_size from config")
	runCmd.Flags().String("metrics-addr", "", "If set, serve metrics.Handler() on this address")
}

// ordersSchema is the demo pipeline's sole input schema: one row per order
// (keyed by order_id) carrying the ordering customer and the amount in cents.
func ordersSchema() *types.Schema {
	return &types.Schema{
		Name: "orders",
		Fields: []types.FieldDefinition{
			{Name: "order_id", Type: types.FieldTypeUInt},
			{Name: "customer_id", Type: types.FieldTypeUInt},
			{Name: "amount_cents", Type: types.FieldTypeInt},
		},
		PrimaryIndex: []int{0},
	}
}

// pipeline wires one source, a record-store processor, and two sinks
// (a raw cache of every order, and a customer total built on pkg/agg).
type pipeline struct {
	cfg    config.Config
	store  storage.Store
	schema *types.Schema
	em     *epoch.Manager
	src    *source.ChannelManager

	rawCache *cache.Cache
	totalsDB string
	group    *agg.Group

	toRecordStore *dag.Edge
	toRawSink     *dag.Edge
	toAggSink     *dag.Edge
	executor      *dag.Executor

	terminate chan struct{}
}

func newPipeline(cfg config.Config) (*pipeline, error) {
	schema := ordersSchema()
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.HomeDir, "orders.db")
	totalsDB := "agg:customer_totals"
	rowCountDB := "agg:customer_totals:rowcount"

	raw, err := cache.New(nil, schema, nil, false)
	if err != nil {
		return nil, err
	}
	dbConfigs := append([]storage.DBConfig{
		{Name: totalsDB},
		{Name: rowCountDB},
		{Name: "_source_meta"},
		{Name: "orders:pk_history"},
	}, raw.DBConfigs()...)

	store, err := storage.Open(dbPath, dbConfigs)
	if err != nil {
		return nil, err
	}
	raw, err = cache.New(store, schema, nil, false)
	if err != nil {
		store.Close()
		return nil, err
	}

	em := epoch.New()
	buf := int(cfg.AppBufferSize)

	toRecordStore := dag.NewEdge("orders->pk", dag.DefaultPort, buf)
	toRawSink := dag.NewEdge("pk->raw_sink", dag.DefaultPort, buf)
	toAggSink := dag.NewEdge("pk->agg_sink", dag.DefaultPort, buf)

	ports := map[dag.Port][]*dag.Edge{
		dag.DefaultPort: {toRecordStore},
	}
	src := source.NewChannelManager("orders_source", store, em, ports, cfg.CommitSize, cfg.CommitTimeout)

	sumKernel := &agg.SumKernel{DB: totalsDB, ValueType: types.FieldTypeInt}

	p := &pipeline{
		cfg:           cfg,
		store:         store,
		schema:        schema,
		em:            em,
		src:           src,
		rawCache:      raw,
		totalsDB:      totalsDB,
		group:         &agg.Group{CountDB: rowCountDB, Kernel: sumKernel},
		toRecordStore: toRecordStore,
		toRawSink:     toRawSink,
		toAggSink:     toAggSink,
		executor:      dag.NewExecutor(),
		terminate:     make(chan struct{}),
	}

	pkWriter := &recordstore.PKWriter{DB: "orders:pk_history", Schema: schema}

	p.executor.AddNode("pk_processor", func(ctx context.Context) error {
		return dag.RunProcessor(ctx, "pk_processor", []*dag.Edge{toRecordStore}, []*dag.Edge{toRawSink, toAggSink},
			func(op types.Operation, _ dag.Port) ([]types.Operation, error) {
				txn, err := store.BeginWrite()
				if err != nil {
					return nil, err
				}
				rewritten, err := pkWriter.Write(txn, op)
				if err != nil {
					txn.Rollback()
					return nil, err
				}
				if err := txn.Commit(); err != nil {
					return nil, err
				}
				return []types.Operation{rewritten}, nil
			})
	})

	p.executor.AddNode("raw_sink", func(ctx context.Context) error {
		return dag.RunSink(ctx, "raw_sink", []*dag.Edge{toRawSink},
			func(op types.Operation, _ dag.Port) error {
				txn, err := store.BeginWrite()
				if err != nil {
					return err
				}
				if err := raw.ApplyOperation(txn, op); err != nil {
					txn.Rollback()
					return err
				}
				return txn.Commit()
			},
			func(types.Epoch) error { return nil },
		)
	})

	p.executor.AddNode("agg_sink", func(ctx context.Context) error {
		return dag.RunSink(ctx, "agg_sink", []*dag.Edge{toAggSink},
			func(op types.Operation, _ dag.Port) error {
				return p.applyAggregate(op)
			},
			func(types.Epoch) error { return nil },
		)
	})

	p.executor.AddNode("orders_source", func(ctx context.Context) error {
		return p.generate(ctx)
	})

	return p, nil
}

func (p *pipeline) groupKeyOf(r *types.Record) []byte {
	return []byte(fmt.Sprintf("%d", r.Values[1].UInt)) // customer_id
}

func (p *pipeline) applyAggregate(op types.Operation) error {
	txn, err := p.store.BeginWrite()
	if err != nil {
		return err
	}

	var result types.Field
	var lifecycle agg.Lifecycle

	switch op.Kind {
	case types.OperationInsert:
		result, lifecycle, err = p.group.ApplyInsert(txn, p.groupKeyOf(op.New), op.New.Values[2])
	case types.OperationDelete:
		result, lifecycle, err = p.group.ApplyDelete(txn, p.groupKeyOf(op.Old), op.Old.Values[2])
	case types.OperationUpdate:
		result, lifecycle, err = p.group.ApplyUpdate(txn, p.groupKeyOf(op.New), op.Old.Values[2], op.New.Values[2])
	}
	if err != nil {
		txn.Rollback()
		return err
	}
	log.Logger.Debug().Str("customer_total", result.String()).Int("lifecycle", int(lifecycle)).Msg("aggregate updated")
	return txn.Commit()
}

// generate is the demo connector: a synthetic order feed standing in for
// a real source (Postgres/Kafka connectors are out of scope per spec.md
// §1 Non-goals). It pushes IngestionMessages through the source's channel
// manager, exercising the full commit/epoch path end to end.
func (p *pipeline) generate(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var txid uint64
	var orderID uint64
	rng := rand.New(rand.NewSource(1))

	for {
		select {
		case <-ctx.Done():
			return p.src.Terminate(ctx)
		case <-p.terminate:
			terminating, err := p.src.TriggerCommitIfNeeded(ctx, true)
			if err != nil {
				return err
			}
			if terminating {
				return p.src.Terminate(ctx)
			}
		case <-ticker.C:
			txid++
			orderID++
			rec := &types.Record{
				SchemaID: 0,
				Values: []types.Field{
					types.UIntField(orderID),
					types.UIntField(uint64(rng.Intn(10))),
					types.IntField(int64(rng.Intn(10000))),
				},
			}
			msg := types.IngestionMessage{
				Identifier: types.TxID{Txid: txid, SeqInTx: 0},
				Kind:       types.MessageOperationEvent,
				Op:         types.InsertOp(rec),
			}
			if _, err := p.src.SendAndTriggerCommitIfNeeded(ctx, msg, dag.DefaultPort, false); err != nil {
				return err
			}
		}
	}
}

func (p *pipeline) requestTermination() {
	close(p.terminate)
}

func (p *pipeline) run(ctx context.Context) error {
	log.Logger.Info().Str("home_dir", p.cfg.HomeDir).Msg("pipeline starting")
	err := p.executor.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *pipeline) Close() error {
	return p.store.Close()
}
