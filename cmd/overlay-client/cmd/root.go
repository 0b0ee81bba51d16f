// Package cmd implements the overlay-client command tree.
package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypath/overlay/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverAddress  string
	platform       string
	connectionType string
	sendRate       time.Duration
	statsInterval  time.Duration
	verbose        bool
)

// NewRootCommand builds the overlay-client command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "overlay-client <server-address>",
		Short: "Run a standalone overlay SDK client endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverAddress = args[0]
			return runClient(cmd)
		},
	}

	root.Flags().StringVar(&platform, "platform", "linux", "Platform string reported during the upgrade handshake")
	root.Flags().StringVar(&connectionType, "connection-type", "wired", "Connection type string reported during the upgrade handshake")
	root.Flags().DurationVar(&sendRate, "send-rate", 100*time.Millisecond, "Interval between application payload sends")
	root.Flags().DurationVar(&statsInterval, "stats-interval", 2*time.Second, "Interval between logged stats snapshots")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return root
}

func runClient(cmd *cobra.Command) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	c, err := client.New(serverAddress, client.Config{
		Platform:       platform,
		ConnectionType: connectionType,
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("overlay-client: start: %w", err)
	}

	c.SetPacketReceivedCallback(func(payload []byte) {
		if len(payload) < 8 {
			return
		}
		sentAt := int64(binary.LittleEndian.Uint64(payload))
		rtt := time.Since(time.Unix(0, sentAt))
		log.WithField("rtt", rtt).Debug("echo received")
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sendTicker := time.NewTicker(sendRate)
	defer sendTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	updateTicker := time.NewTicker(20 * time.Millisecond)
	defer updateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return c.Close()

		case <-updateTicker.C:
			c.Update()

		case <-sendTicker.C:
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
			if err := c.SendPacket(payload); err != nil {
				log.WithError(err).Debug("send failed")
			}

		case <-statsTicker.C:
			s := c.Stats()
			log.WithField("state", c.State()).
				WithField("direct_rtt", s.DirectRTT).
				WithField("next_rtt", s.NextRTT).
				WithField("kbps_up", s.KbpsUp).
				WithField("kbps_down", s.KbpsDown).
				WithField("fallback", s.FallbackToDirect).
				Info("stats")
		}
	}
}
