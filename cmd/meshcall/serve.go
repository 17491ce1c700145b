package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leandro-lugaresi/hub"
	"github.com/spf13/cobra"

	"github.com/silviot/meshcall/pkg/config"
	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/session"
	"github.com/silviot/meshcall/pkg/telemetry"
)

func serveCommand() *cobra.Command {
	var rooms []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the participant and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(c, rooms)
		},
	}

	flags := cmd.Flags()
	flags.String("signaling-url", "", "signaling relay websocket URL")
	flags.String("signaling-token", "", "bearer token for the relay")
	flags.Int("signaling-reconnect-attempts", 5, "reconnect attempts before giving up (negative disables)")
	flags.Duration("signaling-reconnect-delay", 2*time.Second, "delay between reconnect attempts")
	flags.StringSlice("ice-stun", nil, "STUN server URLs")
	flags.StringSlice("ice-turn", nil, "TURN servers as url|username|credential")
	flags.Int("http-port", 8080, "HTTP server port")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("media-source", config.SourceStatic, "media source (static, device)")
	flags.Bool("room-auto-mesh", false, "connect to every room member without a call")
	flags.String("telemetry-endpoint", "", "OTLP/HTTP collector endpoint")
	flags.StringSliceVar(&rooms, "join", nil, "rooms to join at startup")

	return cmd
}

func serve(c *config.Config, rooms []string) error {
	logger := setupLogger(c.SlogLevel())
	slog.SetDefault(logger)

	logger.Info("starting meshcall",
		"version", Version,
		"port", c.HTTP.Port,
		"signaling_url", c.Signaling.URL,
		"media_source", c.Media.Source,
		"auto_mesh", c.Room.AutoMesh)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, c.Telemetry.Endpoint, Version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown error", "error", err)
			}
		}()
	}

	turn, err := c.TURNServers()
	if err != nil {
		return err
	}

	var source media.Source = media.StaticSource{}
	if c.Media.Source == config.SourceDevice {
		source = media.DeviceSource{Logger: logger}
	}

	sessionMgr := session.NewManager(session.ManagerConfig{
		SignalingURL:      c.Signaling.URL,
		Token:             c.Signaling.Token,
		ReconnectAttempts: c.Signaling.ReconnectAttempts,
		ReconnectDelay:    c.Signaling.ReconnectDelay,
		STUN:              c.ICE.STUN,
		TURN:              turn,
		Source:            source,
		Constraints:       media.Constraints{Audio: true, Video: true},
		AutoMesh:          c.Room.AutoMesh,
		Logger:            logger,
	})
	defer sessionMgr.Close()

	events := sessionMgr.Hub().NonBlockingSubscribe(64, "call.*", "room.*", "signaling.*")
	go logEvents(ctx, sessionMgr.Hub(), events, logger)

	for _, roomID := range rooms {
		if _, err := sessionMgr.JoinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	if c.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	sessionMgr.Routes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", c.HTTP.Port),
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-errCh:
		logger.Error("server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("meshcall stopped")
	return nil
}

// logEvents mirrors session notifications into the debug log until ctx ends
func logEvents(ctx context.Context, h *hub.Hub, sub hub.Subscription, logger *slog.Logger) {
	defer h.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			args := make([]any, 0, 2+2*len(msg.Fields))
			args = append(args, "event", msg.Name)
			for k, v := range msg.Fields {
				// remote streams carry live track handles
				if k == "stream" {
					continue
				}
				args = append(args, k, v)
			}
			logger.Debug("session event", args...)
		}
	}
}
