// Command rudp-server runs a reliable-message server over UDP, echoing
// every received message back to its sender.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/rudp/internal/config"
	"github.com/therealutkarshpriyadarshi/rudp/internal/rlog"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/server"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/socket"
)

func main() {
	var (
		bindAddr   string
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "rudp-server",
		Short: "Run a reliable-message echo server over UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				rlog.SetLevel(logrus.DebugLevel)
			}

			tunables, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			srv, err := server.New(bindAddr, tunables)
			if err != nil {
				return fmt.Errorf("starting server: %w", err)
			}
			defer srv.Close()

			rlog.L().Infof("rudp-server listening on %s", bindAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					rlog.L().Info("rudp-server shutting down")
					return nil
				case now := <-ticker.C:
					if err := srv.Tick(now); err != nil {
						rlog.L().WithError(err).Error("tick failed")
						continue
					}
					for _, te := range srv.DrainEvents() {
						if te.Event.Kind != socket.EventData {
							rlog.L().WithField("remote", te.Addr.String()).
								Infof("event: %s", te.Event.Kind)
							continue
						}
						if sock, ok := srv.Get(te.Addr); ok {
							sock.SendData(te.Event.Data, socket.KeyMessage(), socket.PriorityNormal)
						}
					}
				}
			}
		},
	}

	root.Flags().StringVarP(&bindAddr, "bind", "b", ":9999", "address to bind")
	root.Flags().StringVarP(&configPath, "config", "c", "", "optional config file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
