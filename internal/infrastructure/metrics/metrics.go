package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "sessions_started_total",
		Help:      "Number of cable sessions created",
	})
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "sessions_closed_total",
		Help:      "Number of cable sessions closed, by close code (abnormal for transport failures)",
	}, []string{"code"})
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "frames_received_total",
		Help:      "Inbound text frames received from the feed",
	})
	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "decode_failures_total",
		Help:      "Inbound frames dropped because they failed to decode",
	})
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "operations_total",
		Help:      "Channel operations by kind and result",
	}, []string{"kind", "result"})
	ResolverLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinfeed",
		Name:      "resolver_lookups_total",
		Help:      "Coin id resolutions served from cache or network",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(SessionsStarted, SessionsClosed, FramesReceived, DecodeFailures, Operations, ResolverLookups)
}

// CloseCodeLabel 关闭码标签，异常终止记为 abnormal
func CloseCodeLabel(code int, err error) string {
	if err != nil {
		return "abnormal"
	}
	return strconv.Itoa(code)
}

// Serve 在 addr 上暴露 /metrics，ctx 结束时关闭
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
}
