package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/CarePipe/internal/auth"
	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/intent"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/otp"
	"github.com/BTreeMap/CarePipe/internal/pharmacy"
	"github.com/BTreeMap/CarePipe/internal/retry"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/twilio"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

func main() {
	initializeLogger(os.Getenv("CAREPIPE_DEBUG") != "")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	flags := parseCommandLineFlags(cfg)
	applyFlags(cfg, flags)

	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping CarePipe",
		"channel", cfg.Channel,
		"store_type", store.DetectDSNType(cfg.StoreDSN),
		"api_base_url_set", cfg.APIBaseURL != "",
		"openai_key_set", cfg.OpenAIKey != "")

	if err := run(cfg); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// Flags holds command line flag values, each defaulting to the environment
// configuration so flags only need to be passed to override it.
type Flags struct {
	storeDSN    *string
	channel     *string
	webhookAddr *string
	qrOutput    *string
	numeric     *bool
	apiBaseURL  *string
	openaiKey   *string
	debug       *bool
}

// initializeLogger sets up the process-wide structured logger.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(cfg *config.Config) Flags {
	flags := Flags{
		storeDSN:    flag.String("store-dsn", cfg.StoreDSN, "session store DSN: SQLite path, postgres:// or redis:// URL (overrides $CAREPIPE_STORE_DSN)"),
		channel:     flag.String("channel", cfg.Channel, "messaging channel: whatsmeow or twilio (overrides $CAREPIPE_CHANNEL)"),
		webhookAddr: flag.String("webhook-addr", cfg.WebhookAddr, "listen address for the Twilio webhook server (overrides $CAREPIPE_WEBHOOK_ADDR)"),
		qrOutput:    flag.String("qr-output", cfg.QRPath, "path to write the WhatsApp login QR code (overrides $CAREPIPE_QR_PATH)"),
		numeric:     flag.Bool("numeric-code", cfg.NumericCode, "use a numeric WhatsApp login code instead of a QR code (overrides $CAREPIPE_NUMERIC_CODE)"),
		apiBaseURL:  flag.String("api-base-url", cfg.APIBaseURL, "pharmacy platform API base URL (overrides $CAREPIPE_API_BASE_URL)"),
		openaiKey:   flag.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key for intent classification (overrides $OPENAI_API_KEY)"),
		debug:       flag.Bool("debug", cfg.Debug, "enable debug logging (overrides $CAREPIPE_DEBUG)"),
	}
	flag.Parse()
	return flags
}

// applyFlags copies parsed flag values back onto the configuration.
func applyFlags(cfg *config.Config, flags Flags) {
	cfg.StoreDSN = *flags.storeDSN
	cfg.Channel = *flags.channel
	cfg.WebhookAddr = *flags.webhookAddr
	cfg.QRPath = *flags.qrOutput
	cfg.NumericCode = *flags.numeric
	cfg.APIBaseURL = *flags.apiBaseURL
	cfg.OpenAIKey = *flags.openaiKey
	if *flags.debug != cfg.Debug {
		cfg.Debug = *flags.debug
		initializeLogger(cfg.Debug)
	}
}

// ensureDirectoriesExist creates the parent directories for file-based DSNs.
func ensureDirectoriesExist(cfg *config.Config) error {
	for _, dsn := range []string{cfg.StoreDSN, cfg.WhatsmeowDSN} {
		if dsn == "" || store.DetectDSNType(dsn) != "sqlite" {
			continue
		}
		dir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore opens the session store matching the DSN type.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch store.DetectDSNType(cfg.StoreDSN) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, using PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(cfg.StoreDSN))
	case "redis":
		slog.Debug("Detected Redis DSN, using Redis store")
		return store.NewRedisStore(store.WithRedisAddr(cfg.StoreDSN))
	default:
		slog.Debug("Detected SQLite DSN, using SQLite store", "db_path", cfg.StoreDSN)
		return store.NewSQLiteStore(store.WithSQLiteDSN(cfg.StoreDSN))
	}
}

// buildClassifier picks the LLM-backed classifier when an API key is
// available and the keyword table otherwise.
func buildClassifier(cfg *config.Config) (intent.Classifier, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("No OpenAI API key configured, using keyword intent classification")
		return intent.StaticClassifier{}, nil
	}
	return intent.NewOpenAIClassifier(intent.WithAPIKey(cfg.OpenAIKey))
}

// buildChannel constructs the messaging service for the configured channel.
// For Twilio it also returns the webhook server that feeds it.
func buildChannel(cfg *config.Config) (messaging.Service, *http.Server, error) {
	switch cfg.Channel {
	case "twilio":
		client, err := twilio.NewClient(
			twilio.WithAccountSID(cfg.TwilioAccountSID),
			twilio.WithAuthToken(cfg.TwilioAuthToken),
			twilio.WithFromNumber(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		mux := http.NewServeMux()
		mux.HandleFunc("/webhook/twilio", svc.WebhookHandler)
		server := &http.Server{Addr: cfg.WebhookAddr, Handler: mux}
		return svc, server, nil
	default:
		var waOpts []whatsapp.Option
		if cfg.WhatsmeowDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsmeowDSN))
		}
		if cfg.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QRPath))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// run wires the engine together and blocks until shutdown.
func run(cfg *config.Config) error {
	if cfg.EncryptionKey == "" {
		return errors.New("CAREPIPE_ENCRYPTION_KEY must be set to a 32-byte key")
	}
	if cfg.SigningKey == "" {
		return errors.New("CAREPIPE_SIGNING_KEY must be set")
	}
	if cfg.APIBaseURL == "" {
		return errors.New("CAREPIPE_API_BASE_URL must be set")
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gate, err := otp.NewGate(st, []byte(cfg.EncryptionKey),
		otp.WithCodeLength(cfg.CodeLength),
		otp.WithCodeTTL(cfg.CodeTTL),
	)
	if err != nil {
		return err
	}

	lifecycle := auth.NewLifecycle(cfg.IdleTimeout, cfg.TokenExpiry, cfg.RefreshThreshold, []byte(cfg.SigningKey))

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return err
	}

	client, err := pharmacy.NewRESTClient(pharmacy.WithBaseURL(cfg.APIBaseURL))
	if err != nil {
		return err
	}

	executor := retry.New(cfg.RetryMaxAttempts, cfg.RetryInitialDelay, cfg.RetryMultiplier)
	dispatcher := flow.NewDispatcher(st, lifecycle, gate, classifier, client, executor,
		flow.WithPageSize(cfg.PageSize))

	svc, webhookServer, err := buildChannel(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	if webhookServer != nil {
		go func() {
			slog.Info("Webhook server listening", "addr", webhookServer.Addr)
			if err := webhookServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Webhook server failed", "error", err)
				stop()
			}
		}()
	}

	worker := messaging.NewWorker(svc, func(ctx context.Context, resp models.Response) []string {
		return dispatcher.HandleEvent(ctx, resp.From, resp.Body, time.Unix(resp.Time, 0))
	})

	err = worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if webhookServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := webhookServer.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("Webhook server shutdown error", "error", serr)
		}
	}
	if serr := svc.Stop(); serr != nil {
		slog.Warn("Messaging service stop error", "error", serr)
	}
	return err
}
