package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glassystudio/agendabot/internal/api"
	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/flow"
	"github.com/glassystudio/agendabot/internal/genai"
	"github.com/glassystudio/agendabot/internal/intent"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/messaging"
	"github.com/glassystudio/agendabot/internal/scheduler"
	"github.com/glassystudio/agendabot/internal/store"
	"github.com/glassystudio/agendabot/internal/sweep"
	"github.com/glassystudio/agendabot/internal/twiliowa"
	"github.com/glassystudio/agendabot/internal/util"
	"github.com/glassystudio/agendabot/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AgendaBot state data
	DefaultStateDir = "/var/lib/agendabot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "agendabot.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTimezone is the studio timezone used for all schedule math
	DefaultTimezone = "America/Sao_Paulo"
	// DefaultSweepSchedule drives the timeout sweeper and reminder job
	DefaultSweepSchedule = "@every 1m"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping AgendaBot with configured modules")
	if err := run(flags); err != nil {
		slog.Error("AgendaBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AgendaBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	WhatsAppDSN     string
	OpenAIKey       string
	OpenAIModel     string
	APIAddr         string
	Backend         string
	AgentNumber     string
	StudioAddress   string
	PortfolioPath   string
	Timezone        string
	CredentialsFile string
	CalendarID      string
	SweepSchedule   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	backend       *string
	agentNumber   *string
	studioAddress *string
	portfolioPath *string
	timezone      *string
	credsFile     *string
	calendarID    *string
	sweepSchedule *string
}

// initializeLogger sets up structured logging; DEBUG=true raises the level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("DEBUG", false) {
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
		StateDir:        util.GetEnv("AGENDABOT_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		APIAddr:         os.Getenv("API_ADDR"),
		Backend:         util.GetEnv("MESSAGING_BACKEND", "whatsapp"),
		AgentNumber:     os.Getenv("AGENT_NUMBER"),
		StudioAddress:   os.Getenv("STUDIO_ADDRESS"),
		PortfolioPath:   os.Getenv("PORTFOLIO_PATH"),
		Timezone:        util.GetEnv("TIMEZONE", DefaultTimezone),
		CredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		CalendarID:      util.GetEnv("GOOGLE_CALENDAR_ID", "primary"),
		SweepSchedule:   util.GetEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
	}

	// Default both databases to SQLite files in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"AGENDABOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"AGENT_NUMBER_SET", config.AgentNumber != "",
		"TIMEZONE", config.Timezone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for AgendaBot data (overrides $AGENDABOT_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for sessions and the outbound queue (overrides $DATABASE_URL)"),
		waDSN:         flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   flag.String("openai-model", config.OpenAIModel, "OpenAI model for intent extraction (overrides $OPENAI_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:       flag.String("backend", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		agentNumber:   flag.String("agent-number", config.AgentNumber, "staff agent phone for notifications (overrides $AGENT_NUMBER)"),
		studioAddress: flag.String("studio-address", config.StudioAddress, "studio address sent in booking confirmations (overrides $STUDIO_ADDRESS)"),
		portfolioPath: flag.String("portfolio-path", config.PortfolioPath, "path to the portfolio PDF (overrides $PORTFOLIO_PATH)"),
		timezone:      flag.String("timezone", config.Timezone, "IANA timezone for schedule math (overrides $TIMEZONE)"),
		credsFile:     flag.String("google-credentials", config.CredentialsFile, "Google service account credentials file (overrides $GOOGLE_CREDENTIALS_FILE)"),
		calendarID:    flag.String("calendar-id", config.CalendarID, "Google Calendar identifier (overrides $GOOGLE_CALENDAR_ID)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron expression for the background sweep (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"timezone", *flags.timezone,
		"sweepSchedule", *flags.sweepSchedule)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildStore selects the store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildResolver wires the intent resolver, with the LLM classifier attached
// when an OpenAI key is available.
func buildResolver(flags Flags) *intent.Resolver {
	var classifier intent.Classifier
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(openai.ChatModel(*flags.openaiModel)))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("GenAI classifier unavailable, relying on local intent rules only", "error", err)
	} else {
		classifier = client
	}
	return intent.NewResolver(classifier)
}

// buildMessagingService selects and constructs the gateway backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.backend {
	case "twilio":
		client, err := twiliowa.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case "whatsapp":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q (expected whatsapp or twilio)", *flags.backend)
	}
}

// run wires all modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := time.LoadLocation(*flags.timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", *flags.timezone, err)
	}

	catalog, err := messages.Load()
	if err != nil {
		return fmt.Errorf("failed to load message catalog: %w", err)
	}

	st, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	var calOpts []calendar.Option
	calOpts = append(calOpts, calendar.WithLocation(loc), calendar.WithCalendarID(*flags.calendarID))
	if *flags.credsFile != "" {
		calOpts = append(calOpts, calendar.WithCredentialsFile(*flags.credsFile))
	}
	if *flags.studioAddress != "" {
		calOpts = append(calOpts, calendar.WithAddress(*flags.studioAddress))
	}
	cal, err := calendar.NewGoogleService(ctx, calOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize Google Calendar service: %w", err)
	}

	resolver := buildResolver(flags)

	engine := flow.NewEngine(st, resolver, cal, catalog,
		flow.WithLocation(loc),
		flow.WithAddress(*flags.studioAddress),
		flow.WithAgentNumber(*flags.agentNumber),
		flow.WithPortfolioPath(*flags.portfolioPath),
	)

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, engine, catalog, apiOpts...)
	if twilioSvc, ok := msgService.(*messaging.TwilioService); ok {
		server.Handle("/twilio/webhook", twilioSvc.TwilioWebhookHandler)
		slog.Info("Twilio inbound webhook mounted", "path", "/twilio/webhook")
	}

	// Feed gateway events through the same gated path as the webhook.
	go func() {
		for msg := range msgService.Messages() {
			go server.Process(ctx, msg.UserID, msg.Message)
		}
	}()

	dispatcher := messaging.NewDispatcher(st, msgService)
	go dispatcher.Run(ctx)

	sweeper := sweep.NewTimeoutSweeper(st, catalog)
	reminders := sweep.NewReminderJob(st, cal, catalog,
		sweep.WithReminderLocation(loc),
		sweep.WithReminderAddress(*flags.studioAddress),
	)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.sweepSchedule, func() {
		sweeper.Sweep()
		reminders.Run(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule background sweep: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}
