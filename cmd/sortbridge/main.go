// Command sortbridge bridges a serial sorting machine to HTTP triggers and a
// purchase ledger. It keeps one connection to the device alive across
// unplug/replug cycles, exposes one HTTP route per device action, and polls
// the ledger for purchase events that open the door.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/recircle-data/sortbridge/internal/api"
	"github.com/recircle-data/sortbridge/internal/config"
	"github.com/recircle-data/sortbridge/internal/db"
	"github.com/recircle-data/sortbridge/internal/devicemgr"
	"github.com/recircle-data/sortbridge/internal/ledger"
	"github.com/recircle-data/sortbridge/internal/monitoring"
	"github.com/recircle-data/sortbridge/internal/poller"
	"github.com/recircle-data/sortbridge/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode with a simulated device and ledger")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	devicePath  = flag.String("device", "", "Serial device path (overrides config)")
	dbPath      = flag.String("db", "", "Database file (overrides config)")
	configPath  = flag.String("config", "", "Path to JSON config file")
	migrations  = flag.String("migrations", "internal/db/migrations", "Path to migrations directory")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *devicePath != "" {
		cfg.Device.Path = *devicePath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if cfg.Listen == "" {
		log.Fatal("Listen address is required")
	}
	if cfg.Device.Path == "" {
		log.Fatal("Serial device path is required")
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], cfg.DBPath, *migrations)
		return
	}

	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var factory devicemgr.Factory = devicemgr.SerialFactory{}
	var ledgerClient ledger.Client
	if *devMode {
		log.Print("dev mode: using simulated device and ledger")
		factory = devicemgr.NewMockFactory()
		ledgerClient = newDevLedger()
	} else if cfg.Ledger.RPCURL != "" {
		ledgerClient = ledger.NewRPCClient(
			cfg.Ledger.RPCURL,
			cfg.Ledger.ContractAddress,
			cfg.Ledger.EventSignature,
			&http.Client{Timeout: 10 * time.Second},
		)
	}

	mgrCfg, err := cfg.Device.ManagerConfig()
	if err != nil {
		log.Fatalf("invalid device config: %v", err)
	}
	mgrCfg.OnLine = func(line string) {
		log.Printf("device: %s", line)
	}

	mgr := devicemgr.New(mgrCfg, factory, nil)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// a failed initial connect is not fatal: the manager keeps retrying in
	// the background and commands queue until the device shows up
	if err := mgr.Connect(ctx); err != nil {
		log.Printf("initial device connect failed, retrying in background: %v", err)
	}

	var pol *poller.Poller
	var cursor api.CursorSource
	if ledgerClient != nil {
		polCfg, err := cfg.Poller.PollerConfig()
		if err != nil {
			log.Fatalf("invalid poller config: %v", err)
		}
		pol = poller.New(ledgerClient, mgr, database, polCfg, nil)
		if err := pol.Start(ctx); err != nil {
			log.Fatalf("failed to start ledger poller: %v", err)
		}
		defer pol.Stop()
		cursor = pol
	} else {
		log.Print("no ledger RPC URL configured, trigger poller disabled")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(mgr, database, cursor, cfg.Commands).ServeMux()
		mgr.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    cfg.Listen,
			Handler: mux,
		}

		go func() {
			log.Printf("sortbridge %s listening on %s", version.Version, cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// newDevLedger returns a mock ledger that grows by one position every few
// seconds and emits a purchase event at every fifth position, so the full
// poll-decode-dispatch path can be exercised without an RPC node.
func newDevLedger() *ledger.MockClient {
	l := ledger.NewMockClient()
	l.SetTip(1)

	go func() {
		pos := uint64(1)
		for range time.Tick(5 * time.Second) {
			pos++
			if pos%5 == 0 {
				l.AddLog(pos, ledger.RawLog{
					Position: pos,
					TxHash:   fmt.Sprintf("0xdev%06d", pos),
					Topics:   []string{"0xsig", fmt.Sprintf("%d", pos)},
				})
			}
			l.SetTip(pos)
		}
	}()
	return l
}
