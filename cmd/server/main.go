package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/accessbridge/bridge/internal/catalog"
	"github.com/accessbridge/bridge/internal/config"
	"github.com/accessbridge/bridge/internal/correlation"
	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/ingest"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isapiserver"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/retry"
	"github.com/accessbridge/bridge/internal/tenant"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge's YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	logger := log.New(os.Stdout, "[BRIDGE] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := buildResolver(ctx, cfg, logger)

	store, err := pending.NewStore(cfg.Server.StoragePath, cfg.Server.MaxPendingDays, log.New(os.Stdout, "[PENDING] ", log.LstdFlags))
	if err != nil {
		logger.Fatalf("failed to initialize pending store: %v", err)
	}

	dispatcher := dispatch.New(cfg.ISAPI.DispatchTimeout(), log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags))
	pipeline := ingest.New(resolver, dispatcher, store, m, log.New(os.Stdout, "[INGEST] ", log.LstdFlags))

	cache := buildCorrelationCache(cfg, log.New(os.Stdout, "[CORRELATION] ", log.LstdFlags))

	var wg sync.WaitGroup

	isupServer := isup.NewServer(isup.Config{
		Addr:          cfg.ISUP.Host + ":" + strconv.Itoa(cfg.ISUP.Port),
		IdleTimeout:   cfg.ISUP.IdleTimeout(),
		StrictCRC:     cfg.ISUP.StrictCRC,
		MaxFrameBytes: cfg.ISUP.MaxFrameBytes,
	}, pipeline, log.New(os.Stdout, "[ISUP] ", log.LstdFlags))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := isupServer.ListenAndServe(ctx); err != nil {
			logger.Printf("ISUP server stopped: %v", err)
		}
	}()

	webhookServer, err := isapiserver.NewServer(isapiserver.Config{
		Addr:          cfg.ISAPI.Host + ":" + strconv.Itoa(cfg.ISAPI.Port),
		Path:          cfg.ISAPI.WebhookPath,
		WebhookSecret: cfg.ISAPI.WebhookSecret,
	}, cache, pipeline, log.New(os.Stdout, "[WEBHOOK] ", log.LstdFlags))
	if err != nil {
		logger.Fatalf("failed to initialize webhook server: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webhookServer.ListenAndServe(ctx); err != nil {
			logger.Printf("webhook server stopped: %v", err)
		}
	}()

	if cfg.Features.AutoConfigureTerminals {
		provisionDevices(cfg, log.New(os.Stdout, "[PROVISION] ", log.LstdFlags))
	}

	alertStreams := buildAlertStreams(cfg, pipeline)
	for _, as := range alertStreams {
		wg.Add(1)
		go func(as *isapi.AlertStream) {
			defer wg.Done()
			as.Run(ctx)
		}(as)
	}

	retryLoop := retry.NewLoop(store, dispatcher, resolver, m, time.Duration(cfg.Server.RetryIntervalSec)*time.Second, log.New(os.Stdout, "[RETRY] ", log.LstdFlags))
	wg.Add(1)
	go func() {
		defer wg.Done()
		retryLoop.Run(ctx)
	}()

	healthServer := buildHealthServer(cfg, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("health server stopped: %v", err)
		}
	}()

	logger.Printf("bridge running: isup=%s:%d isapi=%s:%d health=%d", cfg.ISUP.Host, cfg.ISUP.Port, cfg.ISAPI.Host, cfg.ISAPI.Port, cfg.Server.HealthCheckPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Println("shutdown signal received, draining listeners")

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	cancel()
	for _, as := range alertStreams {
		as.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)
	isupServer.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Println("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Println("shutdown timeout exceeded, exiting")
	}
}

// buildResolver constructs the tenant resolver from the YAML-configured
// tenant catalog and every device-key binding the config contributes:
// object terminals (keyed by MAC or IP) and Hikvision devices (keyed by
// IP, since configured cameras are addressed by IP rather than a reported
// MAC). When server.postgres_dsn is set, the Postgres catalog is loaded
// as well and its entries take precedence, for deployments that manage
// tenants out-of-band from the bridge's own config file.
func buildResolver(ctx context.Context, cfg *config.Config, logger *log.Logger) *tenant.Resolver {
	tenants := make(map[string]tenant.Tenant, len(cfg.Tenants))
	for name, entry := range cfg.Tenants {
		tenants[name] = tenant.Tenant{
			Name:        name,
			UpstreamURL: entry.UpstreamURL,
			ObjectID:    entry.ObjectID,
			Auth: tenant.Auth{
				Type:  tenant.AuthType(entry.Auth.Type),
				User:  entry.Auth.User,
				Pass:  entry.Auth.Pass,
				Token: entry.Auth.Token,
			},
		}
	}

	bindings := make(map[string]string)
	for _, obj := range cfg.Objects {
		for _, term := range obj.Terminals {
			if term.MAC != "" {
				bindings[term.MAC] = term.Tenant
			}
			if term.IP != "" {
				bindings[term.IP] = term.Tenant
			}
		}
	}
	for _, dev := range cfg.Hikvision.Devices {
		if dev.IP != "" && dev.Tenant != "" {
			bindings[dev.IP] = dev.Tenant
		}
	}

	if cfg.Server.PostgresDSN != "" {
		source, err := catalog.NewPostgresSource(cfg.Server.PostgresDSN)
		if err != nil {
			logger.Printf("postgres catalog unavailable (%v), using YAML catalog only", err)
		} else {
			defer source.Close()
			if pgTenants, err := source.LoadTenants(ctx); err != nil {
				logger.Printf("failed to load tenants from postgres catalog: %v", err)
			} else {
				for name, t := range pgTenants {
					tenants[name] = t
				}
			}
			if pgBindings, err := source.LoadDeviceBindings(ctx); err != nil {
				logger.Printf("failed to load device bindings from postgres catalog: %v", err)
			} else {
				for device, name := range pgBindings {
					bindings[device] = name
				}
			}
		}
	}

	return tenant.NewResolver(tenants, bindings)
}

// provisionDevices runs the one-shot httpHost/trigger provisioning flow
// against every configured Hikvision device when
// features.auto_configure_terminals is set. A failure on one device is
// logged and provisioning continues with the next, per §7's AuthError
// policy ("provisioning reports failure upward and continues with next
// device").
func provisionDevices(cfg *config.Config, logger *log.Logger) {
	if cfg.ISAPI.WebhookBaseURL == "" {
		logger.Printf("isapi.webhook_base_url not set, skipping auto-provisioning")
		return
	}

	for _, dev := range cfg.Hikvision.Devices {
		client := isapi.NewProvisionClient("http://"+dev.IP, dev.Username, dev.Password, logger)
		if !client.IsReachable() {
			logger.Printf("device %s unreachable, skipping provisioning", dev.IP)
			continue
		}

		const httpHostID = 1
		if err := client.ConfigureHTTPHost(cfg.ISAPI.WebhookBaseURL+cfg.ISAPI.WebhookPath, httpHostID); err != nil {
			logger.Printf("failed to configure http host on %s: %v", dev.IP, err)
			continue
		}
		if err := client.EnableEvents(cfg.ISAPI.EventTypes, httpHostID); err != nil {
			logger.Printf("failed to enable events on %s: %v", dev.IP, err)
			continue
		}
		logger.Printf("provisioned device %s", dev.IP)
	}
}

func buildCorrelationCache(cfg *config.Config, logger *log.Logger) correlation.Cache {
	if cfg.Server.RedisAddr != "" {
		cache, err := correlation.NewRedisCache(cfg.Server.RedisAddr, "", 0, cfg.ISAPI.CorrelationTTL())
		if err == nil {
			logger.Printf("using redis correlation cache at %s", cfg.Server.RedisAddr)
			return cache
		}
		logger.Printf("redis unavailable (%v), falling back to in-memory correlation cache", err)
	}
	return correlation.NewMemoryCache(cfg.ISAPI.CorrelationTTL())
}

// buildAlertStreams builds one AlertStream per configured Hikvision device
// whose mode is "alert_stream" (the default pull-based ingestion path; a
// device configured for "callback" mode instead pushes to the webhook
// server and needs no client here).
func buildAlertStreams(cfg *config.Config, handler isapi.EventHandler) []*isapi.AlertStream {
	streams := make([]*isapi.AlertStream, 0, len(cfg.Hikvision.Devices))
	for _, dev := range cfg.Hikvision.Devices {
		if dev.Mode == "callback" {
			continue
		}
		as := isapi.NewAlertStream(dev.IP, dev.IP, dev.Username, dev.Password, handler, log.New(os.Stdout, "[ALERTSTREAM "+dev.IP+"] ", log.LstdFlags))
		as.ReconnectDelay = cfg.ISAPI.ReconnectDelay()
		as.HeartbeatTimeout = cfg.ISAPI.HeartbeatTimeout()
		streams = append(streams, as)
	}
	return streams
}

// buildHealthServer serves /healthz, /metrics (Prometheus), and /stats (the
// JSON snapshot mirroring the original ServerMetrics.to_dict()).
func buildHealthServer(cfg *config.Config, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.HealthCheckPort),
		Handler: mux,
	}
}
