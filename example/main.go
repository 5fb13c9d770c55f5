package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	realtime "github.com/kevsands/prop-ie-platform-core-sub048"
	"github.com/kevsands/prop-ie-platform-core-sub048/ginrt"
)

func main() {
	root := &cobra.Command{
		Use:   "realtime",
		Short: "Realtime messaging server",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.Int("pools", 4, "initial connection pools")
	flags.Int("pool-capacity", 2500, "capacity per pool")
	flags.String("policy", "reject", "admission policy at capacity (reject|expand)")
	flags.String("nats-url", "", "NATS URL for cluster fan-out (empty for single node)")
	flags.String("node-id", "node-1", "unique node id on the cluster bus")
	flags.Bool("compression", true, "negotiate per-message compression")

	viper.SetEnvPrefix("REALTIME")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func serve(ctx context.Context) error {
	zlog, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zlog.Sync()

	reg := prometheus.NewRegistry()

	opts := []realtime.Option{
		realtime.WithLogger(realtime.NewZapLogger(zlog)),
		realtime.WithMetricsExporter(realtime.NewPromMetrics(reg)),
		realtime.WithStore(realtime.NewMemoryStore()),
		realtime.WithCompression(viper.GetBool("compression")),
		realtime.WithPoolConfig(realtime.PoolConfig{
			InitialPools: viper.GetInt("pools"),
			PoolCapacity: viper.GetInt("pool-capacity"),
			Policy:       realtime.AdmissionPolicy(viper.GetString("policy")),
		}),
	}

	if url := viper.GetString("nats-url"); url != "" {
		bus, err := realtime.NewNATSPubSub(url)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer bus.Close()
		opts = append(opts, realtime.WithPubSub(bus, viper.GetString("node-id")))
	}

	srv := realtime.NewServer(ctx, opts...)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", ginrt.Handler(srv))
	router.GET("/admin/metrics", ginrt.MetricsHandler(srv))
	router.GET("/admin/stats", ginrt.StatsHandler(srv))
	router.POST("/admin/actions", ginrt.ActionHandler(srv))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	httpSrv := &http.Server{
		Addr:    viper.GetString("addr"),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.GracefulShutdown(shutdownCtx)
	return httpSrv.Shutdown(shutdownCtx)
}
