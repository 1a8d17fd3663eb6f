package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/control"
	"github.com/WebFirstLanguage/historynet/pkg/node"
)

const shutdownTimeout = 10 * time.Second

func startCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.runNode(ctx)
		},
	}
	cmd.Flags().String("listen-addr", "", "QUIC listen address (host:port)")
	cmd.Flags().Uint64("storage-capacity", 0, "content store capacity in bytes")
	cmd.Flags().StringSlice("seeds", nil, "bootstrap seeds as <node id>@<addr>")
	cmd.Flags().String("master-accumulator", "", "file holding an encoded master accumulator")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (c *cli) runNode(ctx context.Context) error {
	var reg *prometheus.Registry
	if c.conf.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	nc, err := c.conf.NodeConfig(c.logger, registerer(reg))
	if err != nil {
		return err
	}
	n, err := node.New(nc)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop(context.Background())
		return err
	}
	c.logger.Info("node started",
		zap.String("node_id", n.Identity().NodeIDHex()),
		zap.String("tag", n.Identity().Tag()),
		zap.String("addr", n.Addr()))

	network, addr := controlEndpoint(c.conf.ControlAddr)
	if network == "unix" {
		_ = os.Remove(addr)
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		_ = n.Stop(context.Background())
		return fmt.Errorf("failed to create control listener: %w", err)
	}
	c.logger.Info("control API listening", zap.String("addr", listener.Addr().String()))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	controlDone := make(chan error, 1)
	go func() {
		controlDone <- control.NewServer(n, c.logger).Serve(serveCtx, listener)
	}()

	var metricsServer *http.Server
	if reg != nil {
		metricsServer = &http.Server{
			Addr:              c.conf.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		c.logger.Info("serving metrics", zap.String("addr", c.conf.MetricsAddr))
	}

	<-ctx.Done()
	c.logger.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	cancel()
	<-controlDone
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return n.Stop(shutdownCtx)
}

// registerer avoids handing the node a typed nil
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
