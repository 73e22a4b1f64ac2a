package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AtDexters-Lab/nexus-notify/internal/config"
	"github.com/AtDexters-Lab/nexus-notify/internal/endpoint"
	"github.com/AtDexters-Lab/nexus-notify/internal/hub"
	"github.com/spf13/cobra"
)

var (
	configPath string
	port       int
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "notify-server",
	Short:        "Relays cache invalidation notifications between subscribed processes",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			log.Printf("INFO: Configuration loaded successfully from %s", configPath)
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if debug || cfg.Debug {
			endpoint.SetDebug(true)
		}
		return run(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to the YAML configuration file.")
	flags.IntVar(&port, "port", 0, "TCP port to listen on; overrides server.port (0 picks a free port).")
	flags.BoolVar(&debug, "debug", false, "Log every message sent and received.")
}

func run(cfg *config.Config) error {
	failed := make(chan error, 1)
	server := hub.NewWithOptions(cfg.HubOptions(), func(err error) {
		failed <- err
	})
	server.Start()
	server.WaitForStartup()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	log.Printf("INFO: Notification server is running on port %d. Press CTRL+C to exit.", server.Port())

	select {
	case sig := <-shutdownChan:
		log.Printf("INFO: Shutdown signal %s received.", sig)
		server.Shutdown()
		log.Println("INFO: Shutdown complete. Goodbye.")
		return nil
	case err := <-failed:
		server.Shutdown()
		return fmt.Errorf("notification server failed: %w", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
