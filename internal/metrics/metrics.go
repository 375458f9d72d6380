package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tripsync"

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Edit events accepted for relay, by kind",
	}, []string{"kind"})

	deliveriesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Frames handed to a recipient's outbound queue",
	})

	deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_dropped_total",
		Help:      "Frames dropped because the recipient was unavailable",
	})

	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_rejected_total",
		Help:      "Inbound frames answered with an error frame, by code",
	}, []string{"code"})

	presenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_events_total",
		Help:      "Presence notifications emitted, by kind",
	}, []string{"kind"})

	bridgeEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_envelopes_total",
		Help:      "Cluster envelopes moved through redis, by direction",
	}, []string{"direction"})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Open websocket connections",
	})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Trip rooms with at least one member",
	})

	roomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "room_members",
		Help:      "Sessions that are members of a trip room",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"service", "method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "method", "path", "status"})

	httpInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	}, []string{"service"})
)

// EventPublished counts an accepted edit event
func EventPublished(kind string) {
	eventsPublished.WithLabelValues(kind).Inc()
}

// Delivered counts frames successfully enqueued for recipients
func Delivered(n int) {
	if n > 0 {
		deliveriesSent.Add(float64(n))
	}
}

// Dropped counts frames lost to unavailable recipients
func Dropped(n int) {
	if n > 0 {
		deliveriesDropped.Add(float64(n))
	}
}

// FrameRejected counts an error frame sent back to a client
func FrameRejected(code string) {
	framesRejected.WithLabelValues(code).Inc()
}

// PresenceEmitted counts a joined/left notification
func PresenceEmitted(kind string) {
	presenceEvents.WithLabelValues(kind).Inc()
}

// BridgeEnvelope counts envelopes published ("out") or received ("in")
func BridgeEnvelope(direction string) {
	bridgeEnvelopes.WithLabelValues(direction).Inc()
}

// ConnectionOpened and ConnectionClosed track the open connection gauge
func ConnectionOpened() { connectionsActive.Inc() }

func ConnectionClosed() { connectionsActive.Dec() }

// SetRoomStats records the registry snapshot taken by the stats job
func SetRoomStats(rooms, members int) {
	roomsActive.Set(float64(rooms))
	roomMembers.Set(float64(members))
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection through the middleware
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("tripsync metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics with Prometheus labels. The route
// pattern is used as the path label when the router provides one.
func Middleware(service string, pattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			httpInFlight.WithLabelValues(service).Inc()
			defer httpInFlight.WithLabelValues(service).Dec()

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					path = p
				}
			}
			labels := prometheus.Labels{
				"service": service,
				"method":  r.Method,
				"path":    path,
				"status":  strconv.Itoa(rec.status),
			}
			httpRequests.With(labels).Inc()
			httpLatency.With(labels).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
