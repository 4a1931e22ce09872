package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	orchestratorx "github.com/tanpawarit/support-copilot/agent/agents/orchestrator"
	specialistx "github.com/tanpawarit/support-copilot/agent/agents/specialist"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	escalationx "github.com/tanpawarit/support-copilot/agent/escalation"
	guardrailsx "github.com/tanpawarit/support-copilot/agent/guardrails"
	llmx "github.com/tanpawarit/support-copilot/agent/llm"
	memoryx "github.com/tanpawarit/support-copilot/agent/memory"
	retrievalx "github.com/tanpawarit/support-copilot/agent/retrieval"
	statex "github.com/tanpawarit/support-copilot/agent/state"
	configx "github.com/tanpawarit/support-copilot/pkg/config"
	_ "github.com/tanpawarit/support-copilot/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/support-copilot/pkg/openrouter"
	qstashx "github.com/tanpawarit/support-copilot/pkg/qstash"
)

// OpenAIConfig covers the raw SDK endpoints: embeddings and moderation.
type OpenAIConfig struct {
	openrouterx.ClientConfig
	retrievalx.EmbedderConfig
	guardrailsx.ModerationConfig
}

func main() {
	flag.String("env", "", "path to .env file")
	query := flag.String("query", "", "support query to run once")
	sessionID := flag.String("session", "", "session id for the query")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *query, *sessionID); err != nil {
		log.Error().Err(err).Msg("copilot_exit")
		os.Exit(1)
	}
}

func run(ctx context.Context, query, sessionID string) error {
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	openaiCfg := configx.MustNew[OpenAIConfig]("OPENAI")
	engineCfg := configx.MustNew[orchestratorx.Config]("ORCHESTRATOR")
	retrievalCfg := configx.MustNew[retrievalx.Config]("RETRIEVAL")
	storeCfg := configx.MustNew[retrievalx.StoreConfig]("CHUNKSTORE")
	guardCfg := configx.MustNew[guardrailsx.Config]("GUARDRAILS")
	memoryCfg := configx.MustNew[memoryx.Config]("MEMORY")

	openaiClient, err := openrouterx.NewClient(openaiCfg.ClientConfig)
	if err != nil {
		return err
	}

	embedder, err := retrievalx.NewOpenAIEmbedder(openaiClient, openaiCfg.EmbedderConfig)
	if err != nil {
		return err
	}
	chunks, chunksCloser, err := retrievalx.OpenStore(ctx, *storeCfg, embedder)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer chunksCloser.Close()

	retriever, err := retrievalx.NewGate(embedder, chunks, *retrievalCfg)
	if err != nil {
		return err
	}

	classifier, err := guardrailsx.NewOpenAIModerationClassifier(openaiClient, openaiCfg.ModerationConfig)
	if err != nil {
		return err
	}
	guard, err := guardrailsx.NewGate(classifier, *guardCfg)
	if err != nil {
		return err
	}

	models, err := specialistx.NewRegistry(ctx, *llmCfg)
	if err != nil {
		return err
	}

	memory, err := memoryx.Open(ctx, *memoryCfg, models.Summarizer())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memory.Close()

	deps := orchestratorx.Deps{
		Models:      models,
		Retriever:   retriever,
		Guard:       guard,
		Memory:      memory,
		Domain:      retrievalx.NewDomainMatcher(retrievalCfg.DomainKeywords),
		Escalations: escalationSink(),
	}
	if runs := runRecordStore(); runs != nil {
		deps.Runs = runs
	}

	engine, err := orchestratorx.New(deps, *engineCfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), engineCfg.DetachedTimeout+time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("engine_close")
		}
	}()
	go drainErrors(engine.Errors())

	log.Info().
		Str("chunk_store", storeCfg.Backend).
		Str("model", llmCfg.Model).
		Msg("copilot_ready")

	if query == "" {
		return nil
	}

	out, err := engine.Run(ctx, query, sessionID)
	if err != nil {
		log.Error().Err(err).Str("run_id", out.RunID).Msg("run_failed")
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

// escalationSink publishes through QStash when it is configured and falls
// back to logging otherwise.
func escalationSink() contractx.EscalationSink {
	qstashCfg, err := configx.New[qstashx.Config]("QSTASH")
	if err != nil {
		log.Info().Err(err).Msg("qstash_disabled")
		return escalationx.LogSink{}
	}
	sinkCfg, err := configx.New[escalationx.Config]("ESCALATION")
	if err != nil {
		return escalationx.LogSink{}
	}

	client, err := qstashx.NewClient(*qstashCfg)
	if err != nil {
		log.Warn().Err(err).Msg("qstash_disabled")
		return escalationx.LogSink{}
	}
	sink, err := escalationx.NewQStashSink(client, *sinkCfg)
	if err != nil {
		log.Warn().Err(err).Msg("qstash_disabled")
		return escalationx.LogSink{}
	}
	return sink
}

func runRecordStore() orchestratorx.RunRecordStore {
	redisCfg, err := configx.New[statex.UpstashRedisConfig]("UPSTASH_REDIS")
	if err != nil {
		log.Info().Err(err).Msg("run_records_disabled")
		return nil
	}
	store, err := statex.NewUpstashRedisStore(*redisCfg)
	if err != nil {
		log.Warn().Err(err).Msg("run_records_disabled")
		return nil
	}
	return store
}

func drainErrors(errs <-chan error) {
	for err := range errs {
		log.Warn().Err(err).Msg("detached_task_failed")
	}
}
