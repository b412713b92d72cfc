// Package metrics exposes Prometheus counters and gauges for the
// gateway core. Collectors are registered through promauto at package
// load; the HTTP exporter is owned by the operator-facing layer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	PollCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_channel_polls_total",
		Help: "The total number of poll cycles per channel",
	}, []string{"channel", "status"})

	PointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_store_point_writes_total",
		Help: "The total number of point values written to the store",
	}, []string{"channel", "status"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_store_publish_errors_total",
		Help: "The total number of failed change notifications",
	}, []string{"channel"})

	CommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_commands_total",
		Help: "The total number of outbound commands per channel",
	}, []string{"channel", "mode", "status"})

	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_batch_flushes_total",
		Help: "The total number of command batch flushes by trigger",
	}, []string{"channel", "trigger"})

	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comsrv_driver_errors_total",
		Help: "The total number of driver errors by kind",
	}, []string{"channel", "kind"})

	// Gauges
	RunningChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comsrv_running_channels_total",
		Help: "The number of channels currently in the running state",
	})
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Flush trigger constants
const (
	TriggerWindow = "window"
	TriggerSize   = "size"
	TriggerDrain  = "drain"
)

// Command mode constants
const (
	ModeBlock  = "block"
	ModeSingle = "single"
)

// IncPoll increments the poll cycle counter.
func IncPoll(channelID int, status string) {
	PollCount.WithLabelValues(strconv.Itoa(channelID), status).Inc()
}

// IncPointWrite increments the store write counter.
func IncPointWrite(channelID int, status string) {
	PointWrites.WithLabelValues(strconv.Itoa(channelID), status).Inc()
}

// IncPublishError increments the notification failure counter.
func IncPublishError(channelID int) {
	PublishErrors.WithLabelValues(strconv.Itoa(channelID)).Inc()
}

// IncCommand increments the outbound command counter.
func IncCommand(channelID int, mode, status string) {
	CommandCount.WithLabelValues(strconv.Itoa(channelID), mode, status).Inc()
}

// IncBatchFlush increments the batch flush counter.
func IncBatchFlush(channelID int, trigger string) {
	BatchFlushes.WithLabelValues(strconv.Itoa(channelID), trigger).Inc()
}

// IncDriverError increments the driver error counter.
func IncDriverError(channelID int, kind string) {
	DriverErrors.WithLabelValues(strconv.Itoa(channelID), kind).Inc()
}

// SetRunningChannels sets the running channel gauge.
func SetRunningChannels(count int) {
	RunningChannels.Set(float64(count))
}
