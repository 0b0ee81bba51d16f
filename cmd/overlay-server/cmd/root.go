// Package cmd implements the overlay-server command tree.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/config"
	"github.com/relaypath/overlay/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	bindAddress    string
	serverAddress  string
	datacenter     string
	metricsAddress string
	disableNext    bool
	disableDetect  bool
	verbose        bool
)

// NewRootCommand builds the overlay-server command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "overlay-server",
		Short: "Run a standalone overlay SDK server endpoint",
		RunE:  runServer,
	}

	root.PersistentFlags().StringVar(&bindAddress, "bind-address", "0.0.0.0:0", "UDP address to bind the server socket to")
	root.PersistentFlags().StringVar(&serverAddress, "server-address", "", "Public address clients should be told to reach this server at")
	root.PersistentFlags().StringVar(&datacenter, "datacenter", "", "Datacenter name to report to the backend (overrides autodetect)")
	root.PersistentFlags().StringVar(&metricsAddress, "metrics-address", ":9091", "Address to serve Prometheus metrics on")
	root.PersistentFlags().BoolVar(&disableNext, "disable-network-next", false, "Never attempt a next route, direct delivery only")
	root.PersistentFlags().BoolVar(&disableDetect, "disable-autodetect", false, "Disable datacenter autodetection")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	viper.BindPFlag("bind_address", root.PersistentFlags().Lookup("bind-address"))
	viper.BindPFlag("server_address", root.PersistentFlags().Lookup("server-address"))
	viper.BindPFlag("datacenter", root.PersistentFlags().Lookup("datacenter"))

	return root
}

func runServer(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.DefaultConfig()
	cfg.BindAddress = bindAddress
	cfg.ServerAddress = serverAddress
	cfg.Datacenter = datacenter
	cfg.DisableNetworkNext = disableNext
	cfg.DisableAutodetect = disableDetect
	cfg.LoadFromEnv()

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = cfg.BindAddress
	}

	registry := prometheus.NewRegistry()

	srv, err := server.New(server.Options{
		Config:  cfg,
		Log:     log,
		Metrics: registry,
	})
	if err != nil {
		return fmt.Errorf("overlay-server: start: %w", err)
	}

	srv.SetPayloadReceivedCallback(func(from addr.Address, payload []byte) {
		log.WithField("from", from.String()).WithField("bytes", len(payload)).Debug("payload received")
	})
	srv.SetSessionEventCallback(func(sessionID uint64, event string) {
		log.WithField("session_id", sessionID).WithField("event", event).Info("session event")
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithField("bind", cfg.BindAddress).WithField("port", srv.Port()).Info("overlay-server listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.Update()
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if err := srv.Flush(context.Background()); err != nil {
		log.WithError(err).Warn("flush reported errors")
	}
	metricsServer.Close()
	return srv.Close()
}
