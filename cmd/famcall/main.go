package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/famcall/famcall/internal/api"
	"github.com/famcall/famcall/internal/api/middleware"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/config"
	"github.com/famcall/famcall/internal/database"
	"github.com/famcall/famcall/internal/directory"
	"github.com/famcall/famcall/internal/ice"
	"github.com/famcall/famcall/internal/metrics"
	"github.com/famcall/famcall/internal/notify"
	"github.com/famcall/famcall/internal/push"
	"github.com/famcall/famcall/internal/queue"
	"github.com/famcall/famcall/internal/recorder"
	"github.com/famcall/famcall/internal/recording"
	sigrelay "github.com/famcall/famcall/internal/signal"
)

const (
	// directoryCacheTTL bounds how stale a cached group roster may be.
	directoryCacheTTL = 30 * time.Second
	// recorderUploadGrace is how long after a capture stop the artifact
	// may take to arrive before the recording is marked failed.
	recorderUploadGrace = 2 * time.Minute
	// slotSyncInterval is how often the admission counter is reconciled
	// with the recorder coordinator's live session count.
	slotSyncInterval = 5 * time.Minute
	// retentionSweepInterval is how often expired recording artifacts
	// are cleared when a retention window is configured.
	retentionSweepInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting famcall",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"max_concurrent_recordings", cfg.MaxConcurrentRecordings,
	)

	// Open database and run migrations.
	var db *database.DB
	if cfg.DBDSN != "" {
		db, err = database.OpenPostgres(cfg.DBDSN)
	} else {
		db, err = database.Open(cfg.DataDir)
	}
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Ephemeral signaling relay and its expiry sweep.
	relay := sigrelay.NewRelay(cfg.SignalTTL(), logger)
	go relay.Run(appCtx)

	// Recording admission queue, with operator alerts over SMTP when
	// configured.
	var notifier queue.Notifier
	smtpCfg := notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     strconv.Itoa(cfg.SMTPPort),
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		TLS:      smtpTLSMode(cfg.SMTPPort),
	}
	if smtpCfg.Valid() && cfg.QueueAlertRecipient != "" {
		notifier = notify.NewSender(smtpCfg, logger)
	} else {
		slog.Info("smtp or alert recipient not configured, capacity alerts disabled")
	}
	q := queue.New(queue.Config{
		MaxConcurrent:   cfg.MaxConcurrentRecordings,
		Timeout:         cfg.QueueTimeout(),
		CleanupInterval: cfg.QueueCleanupInterval(),
		AlertCooldown:   cfg.QueueAlertCooldown(),
		AlertRecipient:  cfg.QueueAlertRecipient,
	}, notifier, logger)
	go q.Run(appCtx)

	// Recorder farm client and session coordinator.
	backend := recorder.NewClient(cfg.RecorderURL, cfg.RecorderToken, logger)
	if !backend.Configured() {
		slog.Warn("no recorder-url configured, call recording disabled")
	}
	rec := recorder.New(backend, q, &recorderTokenMinter{secret: secret}, cfg.PublicURL, recorderUploadGrace, logger)

	// Group roster directory on the family backend.
	if cfg.DirectoryURL == "" {
		slog.Warn("no directory-url configured, group lookups will fail")
	}
	dir := directory.NewClient(cfg.DirectoryURL, cfg.DirectoryToken, directoryCacheTTL, logger)

	callStore := database.NewCallStore(db)
	co := call.NewCoordinator(callStore, dir, call.DefaultPolicy{}, relay, q, rec, logger)
	rec.BindCalls(co)

	devices := database.NewDeviceTokenRepository(db)

	// Push invitations to registered devices when FCM is configured.
	if cfg.FCMCredentials != "" {
		fcm, err := push.NewFCMClient(appCtx, cfg.FCMCredentials)
		if err != nil {
			slog.Error("failed to initialise fcm client", "error", err)
			os.Exit(1)
		}
		co.SetInviteNotifier(push.NewNotifier(fcm, devices, logger))
	} else {
		slog.Info("fcm not configured, push notifications disabled")
	}

	// Recording artifact storage and the ingest pipeline.
	files, err := recording.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to create recording store", "error", err)
		os.Exit(1)
	}
	ingestor := recording.NewIngestor(files, recording.NewFFmpegTranscoder(logger), co, rec, logger)
	recording.StartRetentionTicker(appCtx, callStore, files, retentionSweepInterval, cfg.RecordingRetentionDays, logger)

	// Reconcile the admission counter: after a restart the database knows
	// which recordings still hold slots, afterwards the coordinator's
	// session count is authoritative.
	if n, err := callStore.CountActiveRecordings(appCtx); err != nil {
		slog.Error("failed to count active recordings", "error", err)
	} else {
		q.SyncActive(n)
	}
	go syncSlots(appCtx, q, rec)

	// Prometheus metrics on a dedicated registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(relay, q, rec, callStore, time.Now()),
	)

	// HTTP server using the api package.
	iceProvider := ice.NewProvider(cfg.StunServerList(), cfg.TURNURL, cfg.TURNUser, cfg.TURNCredential)
	handler := api.NewServer(co, q, iceProvider, devices, ingestor, files, db, api.Config{
		JWTSecret:   secret,
		CORSOrigins: cfg.CORSOriginList(),
		TLSEnabled:  cfg.TLSEnabled(),
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine. With TLS enabled a second listener on
	// port 80 redirects plain HTTP and answers ACME challenges.
	errCh := make(chan error, 1)
	var redirectSrv *http.Server
	switch {
	case cfg.ACMEDomain != "":
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(filepath.Join(cfg.DataDir, "autocert")),
			Email:      cfg.ACMEEmail,
		}
		srv.TLSConfig = manager.TLSConfig()
		redirectSrv = startRedirectListener(manager.HTTPHandler(middleware.HTTPSRedirectHandler()), errCh)
		go func() {
			slog.Info("https server listening", "addr", srv.Addr, "acme_domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	case cfg.TLSCert != "":
		redirectSrv = startRedirectListener(middleware.HTTPSRedirectHandler(), errCh)
		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	default:
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	rec.Shutdown(ctx)
	handler.Close()
	if redirectSrv != nil {
		redirectSrv.Shutdown(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("famcall stopped")
}

// syncSlots periodically overwrites the queue's active counter with the
// recorder coordinator's live session count so a crashed capture cannot
// hold an admission slot forever.
func syncSlots(ctx context.Context, q *queue.Queue, rec *recorder.Coordinator) {
	ticker := time.NewTicker(slotSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SyncActive(rec.Stats().Sessions)
		}
	}
}

// startRedirectListener serves h on port 80 in a goroutine and returns
// the server so it can be shut down with the rest.
func startRedirectListener(h http.Handler, errCh chan<- error) *http.Server {
	srv := &http.Server{
		Addr:         ":80",
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http redirect listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv
}

// smtpTLSMode picks the SMTP transport for the configured port: implicit
// TLS on 465, cleartext on 25, STARTTLS otherwise.
func smtpTLSMode(port int) string {
	switch port {
	case 465:
		return "tls"
	case 25:
		return "none"
	default:
		return "starttls"
	}
}

// recorderTokenMinter bridges the recorder coordinator's token interface
// to the api middleware's JWT helpers.
type recorderTokenMinter struct {
	secret []byte
}

func (m *recorderTokenMinter) RecorderToken(groupID, callID string) (string, error) {
	return middleware.GenerateRecorderToken(m.secret, groupID, callID)
}
