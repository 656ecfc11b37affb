// Command rudp-client connects to a rudp-server, sends lines from stdin as
// reliable messages, and prints whatever comes back.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/rudp/internal/config"
	"github.com/therealutkarshpriyadarshi/rudp/internal/rlog"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/socket"
)

func main() {
	var (
		remoteAddr string
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "rudp-client",
		Short: "Connect to a rudp-server and exchange reliable messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				rlog.SetLevel(logrus.DebugLevel)
			}

			tunables, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			sock, err := socket.Connect(remoteAddr, tunables)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", remoteAddr, err)
			}
			defer sock.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					_ = sock.Terminate()
					return nil
				case line, ok := <-lines:
					if !ok {
						_ = sock.Terminate()
						return nil
					}
					if _, err := sock.SendData([]byte(line), socket.KeyMessage(), socket.PriorityNormal); err != nil {
						rlog.L().WithError(err).Error("send failed")
					}
				case now := <-ticker.C:
					if err := sock.Tick(now); err != nil {
						rlog.L().WithError(err).Error("tick failed")
						continue
					}
					for _, e := range sock.DrainEvents() {
						switch e.Kind {
						case socket.EventData:
							fmt.Printf("< %s\n", string(e.Data))
						default:
							rlog.L().Infof("event: %s", e.Kind)
						}
					}
					if sock.Status().IsFinished() {
						return nil
					}
				}
			}
		},
	}

	root.Flags().StringVarP(&remoteAddr, "remote", "r", "127.0.0.1:9999", "server address")
	root.Flags().StringVarP(&configPath, "config", "c", "", "optional config file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
