package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/worker"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve workers over websockets",
	Long: `Serve workers over websockets. Every connection to /worker gets its own
worker; point the websocket transport of "arena run" at ws://<addr>/worker.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default serve.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := cfg.Serve.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	srv := &http.Server{Addr: addr, Handler: newRouter(ctx, registry(), cfg.RealmConfig()), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		log.Info("serving workers", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter serves a fresh worker on every /worker websocket and a health
// check on /healthz.
func newRouter(ctx context.Context, reg *worker.Registry, rc realm.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())
	r.GET("/worker", gin.WrapH(worker.Handler(ctx, func() *worker.Worker { return worker.New(reg, rc) })))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
