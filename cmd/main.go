package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"whatsapp-companion/handler"
	"whatsapp-companion/internal/aggregator"
	"whatsapp-companion/internal/integrations/openai"
	"whatsapp-companion/internal/integrations/paramstore"
	"whatsapp-companion/internal/integrations/whatsapp"
	"whatsapp-companion/internal/memory"
	"whatsapp-companion/internal/notice"
	"whatsapp-companion/internal/quota"
	"whatsapp-companion/internal/repository"
	"whatsapp-companion/internal/sequencer"
	"whatsapp-companion/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	phoneNumberID := mustEnv("WHATSAPP_PHONE_NUMBER_ID")
	listenAddr := envString("LISTEN_ADDR", ":3000")
	metricsAddr := envString("METRICS_ADDR", ":9090")
	freeLimit := envInt("FREE_MESSAGE_LIMIT", quota.DefaultFreeLimit)
	aggregationWindow := envDuration("AGGREGATION_WINDOW", aggregator.DefaultQuietPeriod)
	queueThrottle := envDuration("QUEUE_THROTTLE", sequencer.DefaultThrottle)
	memoryModel := envString("MEMORY_MODEL", memory.DefaultModel)
	noticesFile := os.Getenv("NOTICES_FILE")

	notices, err := notice.Load(noticesFile)
	if err != nil {
		slog.Error("failed to load notice texts", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	whatsappClient, err := whatsapp.NewClient(ssmClient, paramPrefix, phoneNumberID)
	if err != nil {
		slog.Error("failed to create WhatsApp client", "err", err)
		os.Exit(1)
	}

	// ---- Engine ----
	ledger, err := quota.NewLedger(stateClient, quota.WithFreeLimit(freeLimit))
	if err != nil {
		slog.Error("failed to create quota ledger", "err", err)
		os.Exit(1)
	}
	mem, err := memory.NewManager(stateClient, openaiClient, memory.WithModel(memoryModel))
	if err != nil {
		slog.Error("failed to create memory manager", "err", err)
		os.Exit(1)
	}
	replyService, err := usecase.NewReplyService(ssmClient, openaiClient, whatsappClient, ledger, mem, stateClient, notices, paramPrefix)
	if err != nil {
		slog.Error("failed to create reply service", "err", err)
		os.Exit(1)
	}
	seq, err := sequencer.New(replyService, sequencer.WithThrottle(queueThrottle))
	if err != nil {
		slog.Error("failed to create sequencer", "err", err)
		os.Exit(1)
	}
	agg, err := aggregator.New(seq, aggregator.WithQuietPeriod(aggregationWindow))
	if err != nil {
		slog.Error("failed to create aggregator", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(agg, ssmClient, paramPrefix, handler.WithMessageRetention(quota.DefaultRetention))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	webhookServer := &http.Server{Addr: listenAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(webhookServer) })
	g.Go(func() error { return listen(metricsServer) })
	g.Go(func() error { return ledger.RunSweeper(gctx, quota.DefaultSweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake, flush buffered messages, then let the queues drain.
		_ = webhookServer.Shutdown(shutdownCtx)
		agg.Close()
		seq.Close()
		if err := seq.Wait(shutdownCtx); err != nil {
			slog.Warn("sender queues did not drain before shutdown", "err", err)
			seq.Abort()
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	slog.Info("whatsapp companion listening", "addr", listenAddr, "metrics_addr", metricsAddr)
	if err := g.Wait(); err != nil {
		slog.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
