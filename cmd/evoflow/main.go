package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/XSirch/evoflow/internal/api"
	"github.com/XSirch/evoflow/internal/bot"
	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/embedding"
	"github.com/XSirch/evoflow/internal/extract"
	"github.com/XSirch/evoflow/internal/genai"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/lockfile"
	"github.com/XSirch/evoflow/internal/messaging"
	"github.com/XSirch/evoflow/internal/store"
	"github.com/XSirch/evoflow/internal/twiliowhatsapp"
	"github.com/XSirch/evoflow/internal/util"
	"github.com/XSirch/evoflow/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for evoflow state data
	DefaultStateDir = "/var/lib/evoflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "evoflow.db"
	// ProviderWhatsmeow selects the direct WhatsApp device session gateway
	ProviderWhatsmeow = "whatsmeow"
	// ProviderTwilio selects the Twilio WhatsApp gateway
	ProviderTwilio = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory: concurrent instances would each run
	// their own debounce buffers and double-answer customers.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping evoflow with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("evoflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("evoflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	WhatsAppDSN      string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	PublicBaseURL    string
	TenantID         string
	Provider         string
	EmbeddingModel   string
	CompletionModel  string
	ChunkSize        int
	ChunkOverlap     int
	DebounceMs       int
	TokenBudget      int
	SearchLimit      int
	MaxRetries       int
	RetryDelayMs     int
	AttemptTimeoutMs int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	apiAddr  *string
	tenantID *string
	provider *string
}

// initializeLogger sets up structured logging. LOG_DEBUG=true lowers the
// level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LOG_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("EVOFLOW_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		TenantID:         os.Getenv("TENANT_ID"),
		Provider:         os.Getenv("MESSAGING_PROVIDER"),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),
		CompletionModel:  os.Getenv("COMPLETION_MODEL"),
		ChunkSize:        util.ParseIntEnv("CHUNK_SIZE", knowledge.DefaultChunkSize),
		ChunkOverlap:     util.ParseIntEnv("CHUNK_OVERLAP", knowledge.DefaultChunkOverlap),
		DebounceMs:       util.ParseIntEnv("DEBOUNCE_MS", int(debounce.DefaultWindow/time.Millisecond)),
		TokenBudget:      util.ParseIntEnv("TOKEN_BUDGET", bot.DefaultTokenBudget),
		SearchLimit:      util.ParseIntEnv("SEARCH_LIMIT", knowledge.DefaultSearchLimit),
		MaxRetries:       util.ParseIntEnv("COMPLETION_MAX_RETRIES", genai.DefaultMaxAttempts),
		RetryDelayMs:     util.ParseIntEnv("COMPLETION_RETRY_DELAY_MS", int(genai.DefaultRetryDelay/time.Millisecond)),
		AttemptTimeoutMs: util.ParseIntEnv("COMPLETION_TIMEOUT_MS", int(genai.DefaultAttemptTimeout/time.Millisecond)),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No EVOFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Provider == "" {
		config.Provider = ProviderWhatsmeow
	}

	// The whatsmeow session store defaults to the application database.
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"EVOFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"TENANT_ID", config.TenantID,
		"MESSAGING_PROVIDER", config.Provider,
		"DEBOUNCE_MS", config.DebounceMs,
		"TOKEN_BUDGET", config.TokenBudget)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for evoflow data (overrides $EVOFLOW_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for the application store (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tenantID: flag.String("tenant-id", config.TenantID, "tenant this deployment serves (overrides $TENANT_ID)"),
		provider: flag.String("provider", config.Provider, "messaging gateway: whatsmeow or twilio (overrides $MESSAGING_PROVIDER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"tenantID", *flags.tenantID,
		"provider", *flags.provider)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN != "" && !strings.Contains(*flags.dbDSN, "postgres") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStore selects the persistence backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store (state is lost on restart)")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessagingService constructs the configured gateway.
func buildMessagingService(config Config, flags Flags) (messaging.Service, error) {
	if *flags.provider == ProviderTwilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}

	var waOpts []whatsapp.Option
	waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(waClient), nil
}

func run(config Config, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	embedOpts := []embedding.Option{embedding.WithAPIKey(config.OpenAIKey)}
	if config.EmbeddingModel != "" {
		embedOpts = append(embedOpts, embedding.WithModel(config.EmbeddingModel))
	}
	embedder, err := embedding.NewClient(embedOpts...)
	if err != nil {
		return err
	}

	chunker := knowledge.NewChunker(
		knowledge.WithChunkSize(config.ChunkSize),
		knowledge.WithChunkOverlap(config.ChunkOverlap),
	)
	indexer := knowledge.NewIndexer(st, embedder, chunker)
	retriever := knowledge.NewRetriever(st, embedder)

	genaiOpts := []genai.Option{
		genai.WithAPIKey(config.OpenAIKey),
		genai.WithMaxAttempts(config.MaxRetries),
		genai.WithRetryDelay(time.Duration(config.RetryDelayMs) * time.Millisecond),
		genai.WithAttemptTimeout(time.Duration(config.AttemptTimeoutMs) * time.Millisecond),
	}
	if config.CompletionModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.CompletionModel))
	}
	completer, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	msgService, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}

	orch := bot.NewOrchestrator(st, retriever, completer, msgService, extract.NewRegexNameExtractor(),
		bot.WithTokenBudget(config.TokenBudget),
		bot.WithSearchLimit(config.SearchLimit),
		bot.WithPublicBaseURL(config.PublicBaseURL),
	)

	buffer := debounce.NewBuffer(orch.HandleTurn,
		debounce.WithWindow(time.Duration(config.DebounceMs)*time.Millisecond),
	)
	defer buffer.Stop()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	apiOpts = append(apiOpts, api.WithTenantID(*flags.tenantID))
	server := api.NewServer(st, msgService, orch, buffer, indexer, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	return server.Run(ctx)
}
