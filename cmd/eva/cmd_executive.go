package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eva/internal/config"
	"eva/internal/embedding"
	"eva/internal/executive"
	"eva/internal/jobs"
	"eva/internal/memory"
	"eva/internal/model"
	"eva/internal/retrieval"
	"eva/internal/tags"
	"eva/internal/trace"
)

var executiveCmd = &cobra.Command{
	Use:   "executive",
	Short: "Run the Executive daemon (memory, /respond, /insight, jobs)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, scheduler, cleanup, err := buildExecutive()
		if err != nil {
			return err
		}
		defer cleanup()

		if cfg.Jobs.Enabled && scheduler != nil {
			scheduler.Start(ctx)
		}

		logger.Info("executive listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("memory_dir", cfg.Memory.Dir))
		return serveHTTP(ctx, cfg.Server.Port, srv.Router())
	},
}

// buildExecutive opens every store under the memory directory and wires the
// full Executive. The returned cleanup closes stores in reverse open order.
func buildExecutive() (*executive.Server, *jobs.Scheduler, func(), error) {
	paths := config.MemoryPaths(cfg.Memory.Dir)
	for _, dir := range []string{paths.Dir, paths.AssetsDir, paths.LongTermDir, filepath.Dir(paths.VectorDB), paths.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*executive.Server, *jobs.Scheduler, func(), error) {
		cleanup()
		return nil, nil, nil, err
	}

	queue := memory.NewSerialQueue()
	cleanups = append(cleanups, queue.Close)

	shortTerm, err := memory.OpenShortTermStore(paths.ShortTermDB)
	if err != nil {
		return fail(fmt.Errorf("failed to open short-term store: %w", err))
	}
	cleanups = append(cleanups, func() { shortTerm.Close() })

	semantic, err := memory.OpenSemanticStore(paths.SemanticDB)
	if err != nil {
		return fail(fmt.Errorf("failed to open semantic store: %w", err))
	}
	cleanups = append(cleanups, func() { semantic.Close() })

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    embCfg.Provider,
		GenAIAPIKey: embCfg.GenAIAPIKey,
		GenAIModel:  embCfg.GenAIModel,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create embedding engine: %w", err))
	}

	vector, err := memory.OpenVectorStore(paths.VectorDB, engine)
	if err != nil {
		return fail(fmt.Errorf("failed to open vector store: %w", err))
	}
	cleanups = append(cleanups, func() { vector.Close() })

	whitelist, err := tags.LoadWhitelist(paths.TagWhitelist)
	if err != nil {
		return fail(err)
	}

	tracer := trace.NewLogger(cfg.Trace.ConfigPath, cfg.Trace.FilePath)
	traceDone := make(chan struct{})
	go tracer.Watch(traceDone)
	cleanups = append(cleanups, func() { close(traceDone) })

	timeout, err := cfg.ModelTimeout()
	if err != nil {
		return fail(err)
	}
	gcfg := model.DefaultGeminiConfig(cfg.Model.APIKey)
	gcfg.BaseURL = cfg.Model.BaseURL
	gcfg.Model = cfg.Model.Model
	gcfg.Timeout = timeout
	client := model.NewGeminiClient(gcfg, tracer)

	persona := ""
	if data, err := os.ReadFile(paths.Persona); err == nil {
		persona = string(data)
	}

	workingLog := memory.NewWorkingLog(paths.WorkingLog)
	compactor := &jobs.Compactor{Log: workingLog, Queue: queue, ShortTerm: shortTerm, Client: client}
	promoter := &jobs.Promoter{
		Queue:                queue,
		ShortTerm:            shortTerm,
		Semantic:             semantic,
		Vector:               vector,
		Whitelist:            whitelist,
		Timezone:             cfg.Jobs.Location(),
		ExperienceCachePath:  paths.ExperienceCache,
		PersonalityCachePath: paths.PersonalityCache,
	}
	state := jobs.NewState()

	srv := &executive.Server{
		Config:    cfg,
		Paths:     paths,
		Client:    client,
		Queue:     queue,
		Log:       workingLog,
		ShortTerm: shortTerm,
		Semantic:  semantic,
		Vector:    vector,
		Tone:      memory.NewToneCache(paths.ToneCache),
		Whitelist: whitelist,
		Retrieval: &retrieval.Assembler{
			Semantic:  semantic,
			Vector:    vector,
			ShortTerm: shortTerm,
			Whitelist: whitelist,
		},
		Compactor: compactor,
		Promoter:  promoter,
		JobState:  state,
		Persona:   persona,
	}

	scheduler, err := buildScheduler(state, compactor, promoter)
	if err != nil {
		return fail(err)
	}
	return srv, scheduler, cleanup, nil
}

// buildScheduler translates the cron config into scheduled compaction and
// promotion jobs sharing the Executive's run state.
func buildScheduler(state *jobs.State, compactor *jobs.Compactor, promoter *jobs.Promoter) (*jobs.Scheduler, error) {
	compactionSchedule, err := jobs.ParseSchedule(cfg.Jobs.Compaction.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid jobs.compaction.cron: %w", err)
	}
	promotionSchedule, err := jobs.ParseSchedule(cfg.Jobs.Promotion.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid jobs.promotion.cron: %w", err)
	}

	windowMs := cfg.Jobs.Compaction.WindowMs
	if windowMs <= 0 {
		windowMs = 60 * 60 * 1000
	}

	return &jobs.Scheduler{
		State: state,
		Jobs: []jobs.ScheduledJob{
			{
				Name:     jobs.JobCompaction,
				Schedule: compactionSchedule,
				Run: func(ctx context.Context, nowMs int64) error {
					_, err := compactor.Run(ctx, nowMs, windowMs)
					return err
				},
			},
			{
				Name:     jobs.JobPromotion,
				Schedule: promotionSchedule,
				Run: func(ctx context.Context, nowMs int64) error {
					_, err := promoter.Run(ctx, nowMs)
					return err
				},
			},
		},
	}, nil
}
