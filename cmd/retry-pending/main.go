// Command retry-pending is a one-shot operator tool: it drains the durable
// pending store exactly once and reports how many events were delivered
// versus left for the next pass, instead of running the long-lived
// retry loop the server process keeps alive.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/accessbridge/bridge/internal/config"
	"github.com/accessbridge/bridge/internal/dispatch"
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

	logger := log.New(os.Stdout, "[RETRY-PENDING] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

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
	resolver := tenant.NewResolver(tenants, nil)

	store, err := pending.NewStore(cfg.Server.StoragePath, cfg.Server.MaxPendingDays, logger)
	if err != nil {
		logger.Fatalf("failed to open pending store: %v", err)
	}

	dispatcher := dispatch.New(cfg.ISAPI.DispatchTimeout(), logger)
	m := metrics.New()
	loop := retry.NewLoop(store, dispatcher, resolver, m, 0, logger)

	ok, failed := loop.DrainOnce()
	fmt.Printf("retry-pending: delivered=%d still-pending=%d\n", ok, failed)

	if removed, err := store.CleanupOld(); err != nil {
		logger.Printf("cleanup error: %v", err)
	} else if removed > 0 {
		fmt.Printf("retry-pending: removed %d expired pending files\n", removed)
	}
}
