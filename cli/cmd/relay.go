package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rendernet/pkg/api/stream"
	clientstream "rendernet/pkg/clients/stream"
	"rendernet/pkg/jobs"
	"rendernet/pkg/logging"
	"rendernet/pkg/monitoring"
	"rendernet/pkg/relay"
	"rendernet/pkg/server"
	"rendernet/pkg/version"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const relayServiceName = "render-relay"

type relayFlags struct {
	channels     channelFlags
	redisURL     string
	redisPrefix  string
	kafkaBrokers []string
	kafkaTopic   string
	kafkaClient  string
	listen       string
	listenSet    bool
	metricsToken string
}

func newRelayCmd() *cobra.Command {
	var rf relayFlags
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward stream events to Redis and/or Kafka",
		Long: `Run a long-lived relay that follows the event stream and republishes every
event to the configured sinks. Serves /health, /metrics and a small job status
proxy on --listen.

Examples:
  renderctl relay --job 7f3c --redis-url redis://localhost:6379/0
  renderctl relay --group network --network --kafka-brokers k1:9092 --kafka-topic render.events
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rf.listenSet = cmd.Flags().Changed("listen")
			return runRelay(cmd.Context(), rf)
		},
	}
	rf.channels.bind(cmd)
	cmd.Flags().StringVar(&rf.redisURL, "redis-url", "", "publish events to this Redis (redis://host:port/db)")
	cmd.Flags().StringVar(&rf.redisPrefix, "redis-prefix", "", "Redis channel prefix (default rendernet:events)")
	cmd.Flags().StringSliceVar(&rf.kafkaBrokers, "kafka-brokers", nil, "Kafka seed brokers")
	cmd.Flags().StringVar(&rf.kafkaTopic, "kafka-topic", "render.events", "Kafka topic")
	cmd.Flags().StringVar(&rf.kafkaClient, "kafka-client-id", "", "Kafka client ID")
	cmd.Flags().StringVar(&rf.listen, "listen", ":9090", "health/metrics listen address (env RENDER_RELAY_LISTEN)")
	cmd.Flags().StringVar(&rf.metricsToken, "metrics-token", "", "bearer token required on /metrics (env RENDER_METRICS_TOKEN)")
	return cmd
}

func runRelay(ctx context.Context, rf relayFlags) error {
	s := loadSettings()
	if err := s.Validate(); err != nil {
		return err
	}
	if rf.redisURL == "" && len(rf.kafkaBrokers) == 0 {
		return errors.New("at least one sink is required (--redis-url or --kafka-brokers)")
	}

	logger := newLogger(relayServiceName)
	mc := monitoring.NewMetricsCollector(relayServiceName, version.Version, version.GitCommit)
	hc := monitoring.NewHealthChecker(relayServiceName, version.Version)

	var sinks []relay.Sink
	if rf.redisURL != "" {
		rs, err := relay.NewRedisSinkFromURL(ctx, rf.redisURL, rf.redisPrefix)
		if err != nil {
			return err
		}
		sinks = append(sinks, rs)
		hc.AddCheck("redis", monitoring.PingHealthCheck("redis", monitoring.PingerFunc(func(ctx context.Context) error {
			return rs.Client().Ping(ctx).Err()
		})))
	}
	if len(rf.kafkaBrokers) > 0 {
		ks, err := relay.NewKafkaSink(rf.kafkaBrokers, rf.kafkaTopic, rf.kafkaClient)
		if err != nil {
			for _, sink := range sinks {
				_ = sink.Close()
			}
			return err
		}
		sinks = append(sinks, ks)
		hc.AddCheck("kafka", monitoring.PingHealthCheck("kafka", ks.Client()))
	}

	m := newStreamManager(s, logger, newStreamMetrics(mc))
	if err := rf.channels.apply(m); err != nil {
		return err
	}
	hc.AddCheck("stream", monitoring.StreamHealthCheck(m))

	rl := relay.New(relay.Config{
		Sinks:     sinks,
		Logger:    logger,
		Published: mc.CreateRelayMetrics(),
	})
	rl.Attach(m)
	defer func() {
		if err := rl.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close relay sinks")
		}
	}()

	if err := m.Connect(ctx, stream.ChannelGroup(rf.channels.group)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = m.Disconnect() }()

	logger.WithFields(logging.Fields{
		"relay_id":      rl.ID(),
		"channel_group": rf.channels.group,
		"channels":      m.Channels(),
		"sinks":         len(sinks),
	}).Info("Relay started")

	submissions, waits, polls := mc.CreateJobMetrics()
	orch := newOrchestrator(s, logger, jobs.WithMetrics(&jobs.Metrics{
		Submissions:  submissions,
		WaitOutcomes: waits,
		Polls:        polls,
	}))

	cfg := server.DefaultConfig(relayServiceName, rf.listen)
	if rf.listenSet {
		cfg.Addr = rf.listen
	}
	if rf.metricsToken != "" {
		cfg.MetricsToken = rf.metricsToken
	}
	router := server.SetupServiceRouter(logger, relayServiceName, hc, mc, cfg.MetricsToken)
	registerJobRoutes(router, orch)

	return server.Start(ctx, cfg, router, logger)
}

func newStreamMetrics(mc *monitoring.MetricsCollector) *clientstream.Metrics {
	state, reconnects, events, dropped, handlerErrors := mc.CreateStreamMetrics()
	return &clientstream.Metrics{
		ConnectionState: state,
		Reconnects:      reconnects,
		EventsReceived:  events,
		DroppedMessages: dropped,
		HandlerErrors:   handlerErrors,
	}
}

// registerJobRoutes exposes read-only job status through the relay so dashboards
// do not need an API key of their own.
func registerJobRoutes(r gin.IRoutes, orch *jobs.Orchestrator) {
	r.GET("/jobs/:id/progress", func(c *gin.Context) {
		p, err := orch.GetJobProgress(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})
	r.GET("/jobs/:id/frames", func(c *gin.Context) {
		filter, err := parseFrameList(c.Query("frames"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		statuses, err := orch.GetFrameStatuses(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			writeJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": c.Param("id"), "frames": statuses})
	})
}

func writeJobError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case jobs.IsKind(err, jobs.KindNotFound):
		status = http.StatusNotFound
	case jobs.IsKind(err, jobs.KindInvalid):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
