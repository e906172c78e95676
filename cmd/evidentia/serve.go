package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/evidentia/evidentia/engine/answer"
	"github.com/evidentia/evidentia/engine/audit"
	"github.com/evidentia/evidentia/engine/guardrail"
	"github.com/evidentia/evidentia/engine/knowledge/embedder"
	"github.com/evidentia/evidentia/engine/knowledge/pipeline"
	"github.com/evidentia/evidentia/engine/knowledge/rerank"
	"github.com/evidentia/evidentia/engine/knowledge/retriever"
	"github.com/evidentia/evidentia/engine/knowledge/rewrite"
	"github.com/evidentia/evidentia/engine/knowledge/vectordb"
	"github.com/evidentia/evidentia/engine/memory"
	"github.com/evidentia/evidentia/pkg/config"
	"github.com/evidentia/evidentia/pkg/logger"
	"github.com/evidentia/evidentia/server"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Output: os.Stdout,
		JSON:   cfg.Log.JSON,
	})
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, log)

	store, err := vectordb.New(ctx, &cfg.VectorDB)
	if err != nil {
		return fmt.Errorf("build vector store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("Vector store close failed", "error", err)
		}
	}()

	emb, err := embedder.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	gate, err := buildGate(ctx, cfg, emb)
	if err != nil {
		return fmt.Errorf("build guardrail gate: %w", err)
	}

	llm, err := openai.New(openai.WithModel(cfg.Model.Name))
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}

	pipe, err := buildPipeline(cfg, gate, emb, store, llm)
	if err != nil {
		return err
	}

	mem, err := buildMemory(cfg, llm)
	if err != nil {
		return err
	}

	synth := answer.NewSynthesizer(llm, cfg.Pipeline.UpstreamTimeout)
	svc, err := audit.NewService(pipe, synth, mem, llm)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Audit:    svc,
		Pipeline: pipe,
		Store:    store,
		Embedder: emb,
	}, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// buildGate wires the guardrail layers. The semantic layer follows the
// pipeline stage toggle; the embedder is only attached when that layer is on.
func buildGate(ctx context.Context, cfg *config.Config, emb guardrail.Embedder) (*guardrail.Gate, error) {
	var gateEmbedder guardrail.Embedder
	if cfg.Pipeline.SemanticScreenEnabled {
		gateEmbedder = emb
	}
	return guardrail.New(ctx, &guardrail.Config{
		Signatures:        cfg.Guardrail.Signatures,
		SemanticEnabled:   cfg.Pipeline.SemanticScreenEnabled,
		SemanticThreshold: cfg.Guardrail.SemanticThreshold,
		ReferencePhrases:  cfg.Guardrail.ReferencePhrases,
	}, gateEmbedder)
}

// buildPipeline assembles the retrieval stages from configuration. The local
// glossary rewriter is preferred when one is configured; otherwise the model
// rewriter is used.
func buildPipeline(
	cfg *config.Config,
	gate *guardrail.Gate,
	emb *embedder.Adapter,
	store vectordb.Store,
	llm llms.Model,
) (*pipeline.Pipeline, error) {
	ret, err := retriever.NewService(emb, store, cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("build retriever: %w", err)
	}

	var rewriter rewrite.Rewriter
	if cfg.Pipeline.RewriteEnabled {
		if len(cfg.Glossary) > 0 {
			rewriter = rewrite.NewGlossary(cfg.Glossary)
		} else {
			rewriter = rewrite.NewModel(llm)
		}
	}

	var reranker rerank.Reranker
	if cfg.Pipeline.RerankEnabled {
		reranker, err = rerank.NewModel(llm, cfg.Pipeline.FinalK, cfg.Pipeline.UpstreamTimeout)
		if err != nil {
			return nil, fmt.Errorf("build reranker: %w", err)
		}
	}

	pipe, err := pipeline.New(cfg.Pipeline, gate, rewriter, ret, reranker)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return pipe, nil
}

// buildMemory selects the conversation store backend and wires the manager.
func buildMemory(cfg *config.Config, llm llms.Model) (*memory.Manager, error) {
	var store memory.Store
	switch cfg.Conversation.Provider {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Conversation.RedisAddr})
		redisStore, err := memory.NewRedisStore(client, cfg.Conversation.TTL)
		if err != nil {
			return nil, fmt.Errorf("build conversation store: %w", err)
		}
		store = redisStore
	default:
		store = memory.NewInMemoryStore()
	}

	summarizer := memory.NewModelSummarizer(llm, cfg.Pipeline.UpstreamTimeout)
	mgr, err := memory.NewManager(cfg.Memory, store, summarizer, nil)
	if err != nil {
		return nil, fmt.Errorf("build memory manager: %w", err)
	}
	return mgr, nil
}
