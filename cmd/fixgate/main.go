package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/audit"
	"github.com/tradewire/fixengine/internal/compliance"
	"github.com/tradewire/fixengine/internal/config"
	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/logging"
	"github.com/tradewire/fixengine/internal/metrics"
	"github.com/tradewire/fixengine/internal/observability"
	"github.com/tradewire/fixengine/internal/order"
	"github.com/tradewire/fixengine/internal/pool"
	"github.com/tradewire/fixengine/internal/session"
)

// handlerProxy breaks the construction cycle between the session and the
// order manager: the session needs its handler at construction, the
// manager needs the session to send.
type handlerProxy struct {
	m *order.Manager
}

func (h *handlerProxy) OnApplicationMessage(msg *fix.Message) {
	if h.m != nil {
		h.m.OnApplicationMessage(msg)
	}
}

func main() {
	// Load configuration
	cfg := config.LoadConfig("fixgate")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting fixgate",
		zap.String("session_id", cfg.SessionID()),
		zap.String("exchange_addr", cfg.ExchangeAddr),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("data_dir", cfg.DataDir),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the audit/sequence store
	dbPath := filepath.Join(cfg.DataDir, "fixgate.db")
	store, err := compliance.OpenStore(dbPath)
	if err != nil {
		logger.Fatal("failed to open audit store", zap.Error(err))
	}
	defer store.Close()
	logger.Info("audit store opened", zap.String("path", dbPath))

	// Optional Kafka export of the audit trail
	var exporter compliance.Exporter
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		publisher, err := audit.NewPublisher(brokers, logger)
		if err != nil {
			logger.Fatal("failed to create audit publisher", zap.Error(err))
		}
		defer publisher.Close()
		exporter = publisher
	}

	trail := compliance.NewTrail(logger, cfg.SessionID(), store, exporter, compliance.TrailConfig{
		Capacity: cfg.AuditBuffer,
	})
	interceptor := compliance.NewInterceptor(logger,
		compliance.NewStaticRules(cfg.OrderCapacity, cfg.AlgorithmID), trail)

	// Hot path components
	codec := fix.NewCodec(logger)
	msgPool := pool.New(cfg.PoolSize)

	// TLS transport to the exchange
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	transport, err := session.NewTLSTransport(cfg.ExchangeAddr, tlsConfig, 10*time.Second, logger)
	if err != nil {
		logger.Fatal("failed to create transport", zap.Error(err))
	}

	healthChecker := observability.NewHealthChecker(logger)

	proxy := &handlerProxy{}
	sess, err := session.New(cfg.SessionConfig(), session.Deps{
		Logger:      logger,
		Codec:       codec,
		Pool:        msgPool,
		Transport:   transport,
		Interceptor: interceptor,
		Handler:     proxy,
		SeqStore:    store,
		OnStateChange: func(st session.State, reason string) {
			healthChecker.SetSessionUp(st == session.Active || st == session.Recovering)
		},
	})
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}
	orders := order.NewManager(logger, sess, msgPool)
	proxy.m = orders

	// Metrics
	m := metrics.New()
	m.RegisterPool(msgPool)
	m.RegisterCodec(codec)
	m.RegisterSession(sess)
	m.RegisterOrders(orders)
	m.RegisterTrail(trail)
	m.RegisterInterceptor(interceptor)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start HTTP observability server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), m.Handler()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start audit trail writer
	trailCtx, trailCancel := context.WithCancel(context.Background())
	defer trailCancel()
	trailErrCh := make(chan error, 1)
	go func() {
		if err := trail.Run(trailCtx); err != nil && err != context.Canceled {
			trailErrCh <- err
		}
	}()

	// Connect and log on
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := sess.Connect(connectCtx); err != nil {
		connectCancel()
		logger.Fatal("failed to connect session", zap.Error(err))
	}
	connectCancel()

	// Feed inbound bytes from the transport into the session
	readErrCh := make(chan error, 1)
	go func() {
		if err := transport.ReadLoop(ctx, sess.OnBytes); err != nil && err != context.Canceled {
			readErrCh <- err
		}
	}()

	// Block until shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		logger.Error("HTTP server failed", zap.Error(err))
	case err := <-trailErrCh:
		logger.Error("audit trail writer failed", zap.Error(err))
	case err := <-readErrCh:
		logger.Error("transport read loop failed", zap.Error(err))
	}

	// Graceful teardown: logout, stop the session, flush the trail.
	if err := sess.Logout(); err != nil {
		logger.Warn("logout not initiated", zap.Error(err))
	}
	sess.Stop()
	if err := sess.Err(); err != nil {
		logger.Warn("session ended with error", zap.Error(err))
	}

	trailCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("fixgate stopped",
		zap.Uint64("next_out", sess.Stats().NextOut),
		zap.Uint64("expected_in", sess.Stats().ExpectedIn),
	)
}

// buildTLSConfig validates server certificates against the configured CA
// bundle, or the system roots when none is given. Verification is never
// disabled.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(cfg.ExchangeAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange address %q: %w", cfg.ExchangeAddr, err)
	}
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCAFile)
		}
		tlsConfig.RootCAs = roots
	}
	return tlsConfig, nil
}
