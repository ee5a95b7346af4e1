// Package cmd implements the pondserver command line interface. It wires the
// broker library into a standalone chat server with token authentication,
// structured logging and a prometheus scrape endpoint.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	pondsocket "github.com/Eleven-am/pondSocket-sub002"
)

var rootCmd = &cobra.Command{
	Use:   "pondserver",
	Short: "A channel-based realtime message broker",
	Long: `pondserver hosts websocket endpoints where clients join named
channels, exchange events and share presence. Configuration is read from
flags, environment variables prefixed with POND_ and an optional config
file.`,
	RunE: runServer,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "address the server listens on")
	flags.String("metrics-addr", ":9090", "address the prometheus endpoint listens on")
	flags.String("jwt-secret", "", "HMAC secret for verifying client tokens (empty disables auth)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.StringSlice("allowed-origins", nil, "origins allowed to connect (empty allows all)")
	flags.Int("max-connections", 0, "maximum concurrent connections per endpoint (0 is unlimited)")
	flags.String("config", "", "path to a config file")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("POND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", viper.GetString("log-level"), err)
	}
	logger.SetLevel(level)
	if viper.GetString("log-format") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func loadConfig() error {
	if cfg := viper.GetString("config"); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// teeCollector fans broker activity out to several collectors.
type teeCollector struct {
	collectors []pondsocket.MetricsCollector
}

func (t teeCollector) Error(component string, err error) {
	for _, c := range t.collectors {
		c.Error(component, err)
	}
}

func (t teeCollector) ConnectionOpened(endpointPath string) {
	for _, c := range t.collectors {
		c.ConnectionOpened(endpointPath)
	}
}

func (t teeCollector) ConnectionClosed(endpointPath string) {
	for _, c := range t.collectors {
		c.ConnectionClosed(endpointPath)
	}
}

func (t teeCollector) ChannelCreated(channelName string) {
	for _, c := range t.collectors {
		c.ChannelCreated(channelName)
	}
}

func (t teeCollector) ChannelDestroyed(channelName string) {
	for _, c := range t.collectors {
		c.ChannelDestroyed(channelName)
	}
}

func (t teeCollector) MessageReceived(channelName, event string) {
	for _, c := range t.collectors {
		c.MessageReceived(channelName, event)
	}
}

func (t teeCollector) MessageDelivered(channelName, event string, recipients int) {
	for _, c := range t.collectors {
		c.MessageDelivered(channelName, event, recipients)
	}
}

// verifyToken parses an HS256 token and returns its claims.
func verifyToken(secret, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

func connectionHandler(secret string, logger *logrus.Logger) pondsocket.ConnectionEventHandler {
	return func(ctx *pondsocket.ConnectionContext) error {
		if secret == "" {
			return ctx.Accept()
		}
		var token string
		if values := ctx.Route.Query["token"]; len(values) > 0 {
			token = values[0]
		}
		if token == "" {
			return ctx.Decline(http.StatusUnauthorized, "missing token")
		}
		claims, err := verifyToken(secret, token)
		if err != nil {
			logger.WithError(err).Warn("rejected connection with invalid token")
			return ctx.Decline(http.StatusUnauthorized, "invalid token")
		}
		if sub, ok := claims["sub"].(string); ok {
			ctx.SetAssigns("subject", sub)
		}
		return ctx.Accept()
	}
}

func registerChatChannel(endpoint *pondsocket.Endpoint, logger *logrus.Logger) {
	lobby := endpoint.CreateChannel("chat/:room", func(ctx *pondsocket.JoinContext) error {
		var payload struct {
			Username string `json:"username"`
		}
		if err := ctx.ParsePayload(&payload); err != nil || payload.Username == "" {
			return ctx.Decline(http.StatusBadRequest, "a username is required to join")
		}
		ctx.Track(map[string]interface{}{
			"username": payload.Username,
			"room":     ctx.Route.Params["room"],
			"joinedAt": time.Now().Unix(),
		}).SetAssigns("username", payload.Username).Accept()
		return ctx.Err()
	})

	lobby.On("message", func(ctx *pondsocket.EventContext) error {
		var payload struct {
			Text string `json:"text"`
		}
		if err := ctx.ParsePayload(&payload); err != nil || payload.Text == "" {
			return ctx.Decline(http.StatusBadRequest, "message text is required")
		}
		ctx.Accept()
		return ctx.Err()
	})

	lobby.On("typing", func(ctx *pondsocket.EventContext) error {
		user := ctx.GetUser()
		ctx.BroadcastFrom("typing", map[string]interface{}{
			"username": user.Presence["username"],
		})
		return ctx.Err()
	})

	lobby.OnLeave(func(ctx *pondsocket.LeaveContext) {
		user := ctx.GetUser()
		logger.WithFields(logrus.Fields{
			"user":      user.UserID,
			"reason":    ctx.GetReason(),
			"remaining": ctx.RemainingUserCount(),
		}).Info("user left chat room")
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := teeCollector{collectors: []pondsocket.MetricsCollector{
		pondsocket.NewLogCollector(logger),
		pondsocket.NewPromCollector(registry),
	}}

	options := pondsocket.DefaultOptions()
	options.MaxConnections = viper.GetInt("max-connections")
	options.Hooks = &pondsocket.Hooks{
		Metrics: collector,
		OnConnect: func(clientID string) {
			logger.WithField("client", clientID).Debug("client connected")
		},
		OnDisconnect: func(clientID string) {
			logger.WithField("client", clientID).Debug("client disconnected")
		},
	}
	if origins := viper.GetStringSlice("allowed-origins"); len(origins) > 0 {
		options.CheckOrigin = true
		options.AllowedOrigins = origins
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	manager := pondsocket.NewManager(ctx, *options)
	endpoint := manager.CreateEndpoint("/ws", connectionHandler(viper.GetString("jwt-secret"), logger))
	registerChatChannel(endpoint, logger)

	server := &http.Server{
		Addr:         viper.GetString("addr"),
		Handler:      manager.HTTPHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    viper.GetString("metrics-addr"),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", server.Addr).Info("broker listening")
		if serveErr := server.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("metrics listening")
		if serveErr := metricsServer.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errCh:
		cancel()
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("broker shutdown failed")
	}
	if err = metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics shutdown failed")
	}
	return nil
}
