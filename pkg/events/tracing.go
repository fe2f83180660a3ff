package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metrics export for the mesh dataplane hooks

var (
	ConnectDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_connect_decisions_total",
			Help: "connect4 decisions by caller path and outcome",
		},
		[]string{"path", "outcome"},
	)

	EstablishOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_establish_outcomes_total",
			Help: "sockops establishment recorder outcomes",
		},
		[]string{"outcome"},
	)

	SpliceMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_splice_messages_total",
			Help: "sk_msg splice attempts by result",
		},
		[]string{"result"},
	)

	OrigDstQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_original_dst_queries_total",
			Help: "getsockopt original destination queries by result",
		},
		[]string{"result"},
	)

	PacketNatActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_packet_nat_actions_total",
			Help: "tc packet nat actions by direction",
		},
		[]string{"direction", "action"},
	)

	TableWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_table_write_failures_total",
			Help: "failed writes to shared tables",
		},
		[]string{"table"},
	)

	TableEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_table_evictions_total",
			Help: "least recently used evictions from shared tables",
		},
		[]string{"table"},
	)

	CgroupProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_cgroup_probes_total",
			Help: "cgroup identity resolutions by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ConnectDecisions, EstablishOutcomes, SpliceMessages,
		OrigDstQueries, PacketNatActions, TableWriteFailures, TableEvictions, CgroupProbes)
}

func direction(ingress bool) string {
	if ingress {
		return "ingress"
	}
	return "egress"
}

// ExportMeshEvent increments the counter backing event.
func ExportMeshEvent[T MeshAccountingEvent](event T) {
	switch e := any(event).(type) {
	case ConnectDecisionEvent:
		ConnectDecisions.WithLabelValues(string(e.Path), e.Outcome).Inc()
	case EstablishEvent:
		EstablishOutcomes.WithLabelValues(e.Outcome).Inc()
	case SpliceEvent:
		if e.Redirected {
			SpliceMessages.WithLabelValues("redirect").Inc()
		} else {
			SpliceMessages.WithLabelValues("miss").Inc()
		}
	case OrigDstEvent:
		OrigDstQueries.WithLabelValues(e.Result).Inc()
	case PacketNatEvent:
		PacketNatActions.WithLabelValues(direction(e.Ingress), e.Action).Inc()
	case TableWriteFailureEvent:
		TableWriteFailures.WithLabelValues(e.Table).Inc()
	case TableEvictionEvent:
		TableEvictions.WithLabelValues(e.Table).Inc()
	case CgroupProbeEvent:
		CgroupProbes.WithLabelValues(e.Result).Inc()
	}
}

// StartPrometheusMetricExporterServer serves /metrics until ctx is done.
func StartPrometheusMetricExporterServer(ctx context.Context, port int, logger *zap.Logger) error {
	logger.Info("starting prometheus metric exporter", zap.Int("port", port))
	metricMux := http.NewServeMux()
	metricMux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           metricMux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("error starting the prometheus exporter server", zap.Error(err))
		return err
	}
	return nil
}
