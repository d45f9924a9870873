package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/mattiIce/PBX-sub007/internal/agi"
	"github.com/mattiIce/PBX-sub007/internal/ami"
	"github.com/mattiIce/PBX-sub007/internal/ara"
	"github.com/mattiIce/PBX-sub007/internal/cli"
	"github.com/mattiIce/PBX-sub007/internal/db"
	"github.com/mattiIce/PBX-sub007/internal/dialplan"
	"github.com/mattiIce/PBX-sub007/internal/emergency"
	"github.com/mattiIce/PBX-sub007/internal/models"
	"github.com/mattiIce/PBX-sub007/internal/trunkmgr"
)

func main() {
	// Define base flags
	var (
		configFile  = flag.String("config", "configs/trunkd.yaml", "Configuration file path")
		initDB      = flag.Bool("init-db", false, "Initialize database")
		runAGI      = flag.Bool("agi", false, "Run AGI server")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showHelp    = flag.Bool("help", false, "Show help")
		showVersion = flag.Bool("version", false, "Show version")
	)

	// Parse flags first to check for init-db or help
	flag.Parse()

	if *showHelp {
		showUsage()
		return
	}

	if *showVersion {
		fmt.Println("PBX Trunk Manager v1.0.0")
		return
	}

	// Setup logging
	if *verbose {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	} else {
		log.SetFlags(log.Ldate | log.Ltime)
	}

	// Load configuration
	viper.SetConfigFile(*configFile)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.user", "root")
	viper.SetDefault("database.password", "temppass")
	viper.SetDefault("database.name", "pbx_trunks")
	viper.SetDefault("agi.port", 8002)
	viper.SetDefault("ami.host", "localhost")
	viper.SetDefault("ami.port", 5038)
	viper.SetDefault("ami.username", "admin")
	viper.SetDefault("ami.password", "admin")
	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.poll_interval", "30s")
	viper.SetDefault("monitor.failover_enabled", true)
	viper.SetDefault("monitor.auto_recovery", false)
	viper.SetDefault("monitor.failover_threshold", 5)
	viper.SetDefault("app.production", false)

	if err := viper.ReadInConfig(); err != nil {
		if !*initDB {
			log.Printf("Warning: Could not read config file: %v", err)
		}
	}

	// Initialize database
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.name"))

	if err := db.Initialize(dsn); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Handle init-db flag
	if *initDB {
		araMgr := ara.NewManager()
		if err := araMgr.CreateARATablesIfNotExist(); err != nil {
			log.Fatalf("Failed to create ARA tables: %v", err)
		}
		if err := araMgr.CreateDialplan(viper.GetInt("agi.port")); err != nil {
			log.Fatalf("Failed to create dialplan: %v", err)
		}
		fmt.Println("Database initialized successfully!")
		fmt.Println("\nNext steps:")
		fmt.Println("1. Add trunks:")
		fmt.Println("   ./trunkd trunk add carrier1 --host sip.carrier1.net --priority 1")
		fmt.Println("2. Add outbound rules:")
		fmt.Println("   ./trunkd rule add intl '011\\d+' carrier1 --strip 3 --prepend +")
		fmt.Println("3. Start AGI server:")
		fmt.Println("   ./trunkd -agi -verbose")
		return
	}

	// Build the trunk orchestrator
	guard, err := emergency.NewPatternGuard(viper.GetBool("app.production"))
	if err != nil {
		log.Fatalf("Failed to build emergency guard: %v", err)
	}

	monitorCfg := models.MonitorConfig{
		Enabled:           viper.GetBool("monitor.enabled"),
		PollInterval:      viper.GetDuration("monitor.poll_interval"),
		FailoverEnabled:   viper.GetBool("monitor.failover_enabled"),
		AutoRecovery:      viper.GetBool("monitor.auto_recovery"),
		FailoverThreshold: viper.GetInt("monitor.failover_threshold"),
	}

	manager := trunkmgr.NewManager(guard, monitorCfg)

	if err := loadState(manager); err != nil {
		log.Fatalf("Failed to load trunk state: %v", err)
	}

	// Handle AGI server mode
	if *runAGI {
		runAGIServer(manager, *verbose)
		return
	}

	// If no AGI flag, run CLI mode
	runCLI(manager)
}

// loadState restores trunks and outbound rules from the database into the
// in-memory registry. Restored trunks start unregistered; registration state
// comes from the AMI event feed once the server is up.
func loadState(manager *trunkmgr.Manager) error {
	trunkCfgs, err := db.LoadTrunks()
	if err != nil {
		return err
	}
	for _, cfg := range trunkCfgs {
		if _, err := manager.AddTrunk(cfg); err != nil {
			return err
		}
	}

	stored, err := db.LoadRules()
	if err != nil {
		return err
	}
	for _, sr := range stored {
		rule, err := dialplan.NewOutboundRule(sr.RuleID, sr.Pattern, sr.TrunkID, sr.Strip, sr.Prepend)
		if err != nil {
			log.Printf("Warning: skipping stored rule %s: %v", sr.RuleID, err)
			continue
		}
		manager.AddOutboundRule(rule)
	}

	log.Printf("Loaded %d trunks and %d rules", len(trunkCfgs), len(stored))
	return nil
}

func runAGIServer(manager *trunkmgr.Manager, verbose bool) {
	// Start the background health monitor
	manager.StartMonitor()

	// Create and start AGI server
	agiServer := agi.NewServer(manager, viper.GetInt("agi.port"))

	go func() {
		log.Printf("Starting AGI server on port %d...", viper.GetInt("agi.port"))
		if err := agiServer.Start(); err != nil {
			log.Fatalf("Failed to start AGI server: %v", err)
		}
	}()

	// Connect to AMI if configured
	if viper.GetString("ami.username") != "" {
		amiManager := ami.NewManager(
			viper.GetString("ami.host"),
			viper.GetInt("ami.port"),
			viper.GetString("ami.username"),
			viper.GetString("ami.password"),
		)

		if err := amiManager.Connect(); err != nil {
			log.Printf("Warning: Failed to connect to AMI: %v", err)
		} else {
			defer amiManager.Close()
			go ami.WatchTrunkEvents(amiManager, manager)

			if verbose {
				go func() {
					for range time.Tick(time.Minute) {
						summary := manager.FleetHealth()
						log.Printf("Fleet: %d trunks, %.1f%% success rate",
							summary.TotalTrunks, summary.OverallSuccessRate*100)
					}
				}()
			}
		}
	}

	fmt.Println("AGI Server running. Press Ctrl+C to stop.")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	manager.StopMonitor()
	agiServer.Stop()
}

func runCLI(manager *trunkmgr.Manager) {
	rootCmd := cli.InitCLI(manager)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`PBX Trunk Management System

USAGE:
    trunkd [flags] <command> [arguments]

FLAGS:
    -agi            Run AGI server
    -init-db        Initialize database
    -verbose        Enable verbose logging
    -config <file>  Configuration file (default: configs/trunkd.yaml)
    -help           Show this help
    -version        Show version

COMMANDS:
    trunk           Manage trunks
    rule            Manage outbound dial rules
    route           Test how a number would be routed
    stats           Show per-trunk call statistics
    health          Show the fleet health summary
    monitor         Watch trunk health in real-time

EXAMPLES:
    # Initialize database
    ./trunkd -init-db

    # Add a trunk
    ./trunkd trunk add carrier1 --host sip.carrier1.net --priority 1 --max-channels 60

    # Add outbound rules (first match wins)
    ./trunkd rule add intl '011\d+' carrier1 --strip 3 --prepend +
    ./trunkd rule add default '\d+' carrier2

    # Test routing
    ./trunkd route 0114420712345 --failover

    # Show trunk health
    ./trunkd health

    # Run AGI server
    ./trunkd -agi -verbose

For more information on a command, use:
    ./trunkd <command> --help`)
}
