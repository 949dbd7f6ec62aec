package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/account"
	"chatlens-backend/internal/analysis"
	"chatlens-backend/internal/auth"
	"chatlens-backend/internal/llm"
	"chatlens-backend/internal/llm/langchain"
	"chatlens-backend/internal/queue"
	"chatlens-backend/internal/services/health"
	"chatlens-backend/internal/shared/config"
	"chatlens-backend/internal/shared/server"
	"chatlens-backend/internal/shared/storage/db"
	"chatlens-backend/internal/shared/storage/object"
	localstore "chatlens-backend/internal/shared/storage/object/local"
	s3store "chatlens-backend/internal/shared/storage/object/s3"
	"chatlens-backend/internal/sources"
	"chatlens-backend/internal/usage"
	"chatlens-backend/internal/users"
)

// App holds shared dependencies.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client

	SourcesRepo  sources.SourcesRepo
	AnalysisRepo analysis.Repo
	UsersRepo    users.Repo

	Gateway llm.Gateway
	Engine  *analysis.Engine

	SourcesService  *sources.Service
	AnalysisService *analysis.Service
	UsageService    *usage.Service
	UsersService    *users.Service
	AccountService  *account.Service
	HealthService   *health.Service
	GoogleAuth      *auth.GoogleService

	SourcesHandler  *sources.Handler
	AnalysisHandler *analysis.Handler
	UsageHandler    *usage.Handler
	UsersHandler    *users.Handler
	AccountHandler  *account.Handler
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Queue:  queueClient,
	}

	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		Health:          app.HealthService,
		SourcesHandler:  app.SourcesHandler,
		AnalysisHandler: app.AnalysisHandler,
		UsageHandler:    app.UsageHandler,
		UsersHandler:    app.UsersHandler,
		AccountHandler:  app.AccountHandler,
		GoogleAuth:      app.GoogleAuth,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) error {
	var sourcesRepo sources.SourcesRepo
	var analysisRepo analysis.Repo
	var usersRepo users.Repo
	var usageSvc *usage.Service

	if app.DB != nil {
		sourcesRepo = &sources.PGRepo{DB: app.DB}
		analysisRepo = &analysis.PGRepo{DB: app.DB}
		usersRepo = &users.PGRepo{DB: app.DB}
		usageSvc = usage.NewPostgresService(usage.NewPGStore(app.DB))
	} else {
		sourcesRepo = sources.NewMemoryRepo()
		analysisRepo = analysis.NewMemoryRepo()
		usersRepo = users.NewMemoryRepo()
		usageSvc = usage.NewService()
	}

	sourcesSvc := &sources.Service{Store: app.Store, Repo: sourcesRepo}

	gateway, err := buildGateway(app.Config)
	if err != nil {
		return err
	}

	engine := analysis.NewEngine(analysisRepo, sourcesSvc, gateway, analysis.Config{
		MaxRetries:      app.Config.MaxRetries,
		RetryDelay:      app.Config.RetryDelay,
		InterChunkDelay: app.Config.InterChunkDelay,
		CallTimeout:     app.Config.LLMCallTimeout,
	})

	analysisSvc := &analysis.Service{
		Repo:         analysisRepo,
		Sources:      sourcesSvc,
		Engine:       engine,
		Queue:        app.Queue,
		Usage:        usageSvc,
		DefaultModel: app.Config.DefaultModel,
	}

	usersSvc := users.NewService(usersRepo)
	accountSvc := account.NewService(sourcesRepo, analysisRepo)

	app.SourcesRepo = sourcesRepo
	app.AnalysisRepo = analysisRepo
	app.UsersRepo = usersRepo
	app.Gateway = gateway
	app.Engine = engine
	app.SourcesService = sourcesSvc
	app.AnalysisService = analysisSvc
	app.UsageService = usageSvc
	app.UsersService = usersSvc
	app.AccountService = accountSvc
	app.HealthService = health.NewService(app.DB)
	app.GoogleAuth = auth.NewGoogleService(
		app.Config.GoogleClientID,
		app.Config.GoogleClientSecret,
		app.Config.GoogleRedirectURL,
		app.Config.UIRedirectURL,
		usersSvc,
	)
	app.SourcesHandler = sources.NewHandler(sourcesSvc)
	app.AnalysisHandler = analysis.NewHandler(analysisSvc)
	app.UsageHandler = usage.NewHandler(usageSvc)
	app.UsersHandler = users.NewHandler(usersSvc)
	app.AccountHandler = account.NewHandler(accountSvc)

	return nil
}

func buildGateway(cfg config.Config) (llm.Gateway, error) {
	opts := langchain.Options{
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OllamaServerURL: cfg.OllamaServerURL,
	}
	if opts.OpenAIAPIKey == "" && opts.AnthropicAPIKey == "" && opts.OllamaServerURL == "" {
		log.Printf("bootstrap: no LLM provider configured; analyses will fail until one is set")
		return unconfiguredGateway{}, nil
	}
	return langchain.New(opts)
}

type unconfiguredGateway struct{}

func (unconfiguredGateway) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	_ = ctx
	_ = req
	return llm.Response{}, &llm.ProviderError{Provider: "none", Err: errors.New("no llm provider configured")}
}
