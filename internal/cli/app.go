package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/baitchat/internal/assistant"
	"github.com/roach88/baitchat/internal/binder"
	"github.com/roach88/baitchat/internal/config"
	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/llm"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/qserver"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/resolver"
	"github.com/roach88/baitchat/internal/retrieval"
	"github.com/roach88/baitchat/internal/store"
)

// App builds the components commands share from the configuration. Each
// component is created on first use, so a command only touches the
// services it needs. Close releases whatever was opened.
//
// App is not safe for concurrent construction; commands build what they
// need before starting goroutines.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	qserver   *qserver.Client
	registry  *registry.Registry
	store     *store.Store
	docs      *retrieval.Index
	docsOpen  bool
	model     llm.Completer
	modelErr  error
	modelOpen bool
	gate      *gate.Gate
	pipeline  *pipeline.Pipeline
	assistant *assistant.Assistant
}

// NewApp creates an App. Nothing is opened yet.
func NewApp(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// loadApp loads the configuration the root flags point at.
func loadApp(opts *RootOptions, f *OutputFormatter) (*App, error) {
	path := opts.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	f.VerboseLog("Using config %q", path)
	return NewApp(cfg, slog.Default()), nil
}

// Config returns the configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// QServer returns the queue server client.
func (a *App) QServer() *qserver.Client {
	if a.qserver == nil {
		a.qserver = qserver.New(a.cfg.QServerConfig(), qserver.WithLogger(a.logger))
	}
	return a.qserver
}

// Registry returns the plan registry after its first load. The whitelist
// always comes from the CUE directory; devices come from it or from the
// queue server's allowed devices, keeping the whitelist's aliases and
// limits for devices both define.
func (a *App) Registry(ctx context.Context) (*registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	src := registry.CUESource{Dir: a.cfg.Registry.WhitelistDir}
	var devices registry.DeviceSource = src
	if a.cfg.Registry.Devices == config.DevicesFromQServer {
		devices = qserver.Directory{Client: a.QServer(), Base: src}
	}
	reg := registry.New(src, devices,
		registry.WithTimeout(a.cfg.Registry.Timeout),
		registry.WithLogger(a.logger),
	)
	if _, err := reg.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	a.registry = reg
	return reg, nil
}

// Store returns the audit store.
func (a *App) Store() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// Docs returns the knowledge base, or nil when none is configured. The
// plan whitelist is indexed alongside the knowledge directory.
func (a *App) Docs(ctx context.Context) (*retrieval.Index, error) {
	if a.docsOpen {
		return a.docs, nil
	}
	rc := a.cfg.Retrieval
	if rc.KnowledgeDir == "" && rc.IndexPath == "" {
		a.docsOpen = true
		return nil, nil
	}
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := retrieval.Open(rc.IndexPath,
		retrieval.WithCacheSize(rc.CacheSize),
		retrieval.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	if rc.KnowledgeDir != "" {
		if _, err := idx.IndexDir(ctx, rc.KnowledgeDir); err != nil {
			_ = idx.Close()
			return nil, err
		}
	}
	if err := idx.AddPlans(ctx, reg.Current().List()); err != nil {
		_ = idx.Close()
		return nil, err
	}
	a.docs, a.docsOpen = idx, true
	return idx, nil
}

// Model returns the configured language model client.
func (a *App) Model() (llm.Completer, error) {
	if !a.modelOpen {
		a.model, a.modelErr = llm.New(a.cfg.LLMConfig())
		a.modelOpen = true
	}
	return a.model, a.modelErr
}

// Gate returns the submission gate: the registry's whitelist, the audit
// store and the queue server as dispatcher. The decision sequence resumes
// after the last one in the store.
func (a *App) Gate(ctx context.Context) (*gate.Gate, error) {
	if a.gate != nil {
		return a.gate, nil
	}
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	seq, err := st.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	gc := a.cfg.Gate
	a.gate = gate.New(reg, a.QServer(),
		gate.WithAuditor(st),
		gate.WithClock(gate.NewClockAt(seq)),
		gate.WithWindow(gate.NewWindow(gc.RateLimit, gc.RatePeriod, time.Now)),
		gate.WithDispatchTimeout(gc.DispatchTimeout),
		gate.WithLogger(a.logger),
	)
	return a.gate, nil
}

// Pipeline returns the translation pipeline with the configured parser.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	g, err := a.Gate(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}

	th := a.cfg.Thresholds()
	opts := []pipeline.Option{
		pipeline.WithThresholds(th),
		pipeline.WithBinder(binder.New(resolver.New(resolver.DefaultCacheSize))),
		pipeline.WithOutcomeLog(st),
		pipeline.WithLogger(a.logger),
	}
	if a.cfg.Intent.Backend == config.BackendModel {
		model, err := a.Model()
		if err != nil {
			return nil, fmt.Errorf("intent backend %q: %w", config.BackendModel, err)
		}
		opts = append(opts, pipeline.WithParser(intent.NewModelParser(model,
			intent.WithThresholds(th),
			intent.WithLogger(a.logger),
		)))
	}
	a.pipeline = pipeline.New(a.registry, g, opts...)
	return a.pipeline, nil
}

// Assistant returns the question answerer. The knowledge base and the
// model are optional: without them explanations skip passages and
// summaries.
func (a *App) Assistant(ctx context.Context) (*assistant.Assistant, error) {
	if a.assistant != nil {
		return a.assistant, nil
	}
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	opts := []assistant.Option{
		assistant.WithHistory(st),
		assistant.WithQueue(a.QServer()),
		assistant.WithLocation(time.Local),
		assistant.WithLogger(a.logger),
	}
	docs, err := a.Docs(ctx)
	if err != nil {
		return nil, err
	}
	if docs != nil {
		opts = append(opts, assistant.WithDocs(docs))
	}
	if model, err := a.Model(); err == nil {
		opts = append(opts, assistant.WithModel(model))
	} else {
		a.logger.Debug("plan summaries disabled", "error", err)
	}
	a.assistant = assistant.New(reg, opts...)
	return a.assistant, nil
}

// Close releases the knowledge base and the store.
func (a *App) Close() error {
	var errs []error
	if a.docs != nil {
		errs = append(errs, a.docs.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
