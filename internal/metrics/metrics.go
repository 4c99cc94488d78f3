package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CmdPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_cmd_packets_total",
		Help: "Total MDFU command packets sent to the client.",
	})
	StatusPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_status_packets_total",
		Help: "Total MDFU status packets received from the client.",
	})
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_retries_total",
		Help: "Total command transaction attempts consumed beyond the first.",
	})
	Resends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_resends_total",
		Help: "Total resend requests received from the client.",
	})
	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_chunks_written_total",
		Help: "Total WriteChunk commands acknowledged by the client.",
	})
	ImageBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdfu_image_bytes_total",
		Help: "Total firmware image bytes transferred.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_malformed_frames_total",
		Help: "Total rejected malformed transport frames (bad escape, short frame, wrong prefix).",
	})
	ChecksumErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_checksum_errors_total",
		Help: "Total frames rejected due to frame check sequence mismatch.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_timeouts_total",
		Help: "Total transport read operations that expired before a frame arrived.",
	})
	BusyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_busy_polls_total",
		Help: "Total busy frames observed while polling a client for its response.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrMACRead   = "mac_read"
	ErrMACWrite  = "mac_write"
	ErrImageRead = "image_read"
	ErrProtocol  = "protocol"
	ErrParse     = "client_info_parse"
)

// StartHTTP serves Prometheus metrics at /metrics on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCmd       uint64
	localStatus    uint64
	localRetries   uint64
	localResends   uint64
	localChunks    uint64
	localBytes     uint64
	localMalformed uint64
	localChecksum  uint64
	localTimeouts  uint64
	localBusy      uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CmdPackets     uint64
	StatusPackets  uint64
	Retries        uint64
	Resends        uint64
	ChunksWritten  uint64
	ImageBytes     uint64
	Malformed      uint64
	ChecksumErrors uint64
	Timeouts       uint64
	BusyPolls      uint64
	Errors         uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		CmdPackets:     atomic.LoadUint64(&localCmd),
		StatusPackets:  atomic.LoadUint64(&localStatus),
		Retries:        atomic.LoadUint64(&localRetries),
		Resends:        atomic.LoadUint64(&localResends),
		ChunksWritten:  atomic.LoadUint64(&localChunks),
		ImageBytes:     atomic.LoadUint64(&localBytes),
		Malformed:      atomic.LoadUint64(&localMalformed),
		ChecksumErrors: atomic.LoadUint64(&localChecksum),
		Timeouts:       atomic.LoadUint64(&localTimeouts),
		BusyPolls:      atomic.LoadUint64(&localBusy),
		Errors:         atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCmdPacket() {
	CmdPackets.Inc()
	atomic.AddUint64(&localCmd, 1)
}

func IncStatusPacket() {
	StatusPackets.Inc()
	atomic.AddUint64(&localStatus, 1)
}

func IncRetry() {
	Retries.Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncResend() {
	Resends.Inc()
	atomic.AddUint64(&localResends, 1)
}

func IncChunk() {
	ChunksWritten.Inc()
	atomic.AddUint64(&localChunks, 1)
}

func AddImageBytes(n int) {
	ImageBytes.Add(float64(n))
	atomic.AddUint64(&localBytes, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncChecksumError() {
	ChecksumErrors.Inc()
	atomic.AddUint64(&localChecksum, 1)
}

func IncTimeout() {
	Timeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncBusyPoll() {
	BusyPolls.Inc()
	atomic.AddUint64(&localBusy, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrMACRead, ErrMACWrite, ErrImageRead, ErrProtocol, ErrParse} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}
