package link

import (
	"sync/atomic"
)

// Metrics contains atomic counters of a link session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// PacketRecvCount indicates the number of packets decoded from the device.
	PacketRecvCount atomic.Uint64
	// PacketSendCount indicates the number of packets written to the device.
	PacketSendCount atomic.Uint64
	// BytesRecvCount indicates the number of bytes read from the device.
	BytesRecvCount atomic.Uint64
	// FrameErrCount indicates the number of frame errors found in the device byte stream.
	FrameErrCount atomic.Uint64

	// SubmitBlockedCount indicates how often Submit found the outbound queue full.
	SubmitBlockedCount atomic.Uint64
	// StallCount indicates how often the outbound queue stayed full past the grace period.
	StallCount atomic.Uint64
	// StaleDropCount indicates packets discarded from the outbound queue when a connection was replaced.
	StaleDropCount atomic.Uint64

	// OpenCount indicates the number of successful transport opens.
	OpenCount atomic.Uint64
	// OpenFailCount indicates the number of failed transport opens.
	OpenFailCount atomic.Uint64
	// ConnRetryGauge indicates the number of open retries since the link was last open.
	ConnRetryGauge atomic.Uint32
}

// MetricsSnapshot is a point in time copy of Metrics.
type MetricsSnapshot struct {
	PacketRecvCount    uint64 `json:"packet_recv_count"`
	PacketSendCount    uint64 `json:"packet_send_count"`
	BytesRecvCount     uint64 `json:"bytes_recv_count"`
	FrameErrCount      uint64 `json:"frame_err_count"`
	SubmitBlockedCount uint64 `json:"submit_blocked_count"`
	StallCount         uint64 `json:"stall_count"`
	StaleDropCount     uint64 `json:"stale_drop_count"`
	OpenCount          uint64 `json:"open_count"`
	OpenFailCount      uint64 `json:"open_fail_count"`
	ConnRetryGauge     uint32 `json:"conn_retry_gauge"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PacketRecvCount:    m.PacketRecvCount.Load(),
		PacketSendCount:    m.PacketSendCount.Load(),
		BytesRecvCount:     m.BytesRecvCount.Load(),
		FrameErrCount:      m.FrameErrCount.Load(),
		SubmitBlockedCount: m.SubmitBlockedCount.Load(),
		StallCount:         m.StallCount.Load(),
		StaleDropCount:     m.StaleDropCount.Load(),
		OpenCount:          m.OpenCount.Load(),
		OpenFailCount:      m.OpenFailCount.Load(),
		ConnRetryGauge:     m.ConnRetryGauge.Load(),
	}
}

func (m *Metrics) incPacketRecvCount() {
	m.PacketRecvCount.Add(1)
}

func (m *Metrics) incPacketSendCount() {
	m.PacketSendCount.Add(1)
}

func (m *Metrics) addBytesRecvCount(n int) {
	m.BytesRecvCount.Add(uint64(n)) //nolint:gosec // n is a read count
}

func (m *Metrics) incFrameErrCount() {
	m.FrameErrCount.Add(1)
}

func (m *Metrics) incSubmitBlockedCount() {
	m.SubmitBlockedCount.Add(1)
}

func (m *Metrics) incStallCount() {
	m.StallCount.Add(1)
}

func (m *Metrics) incStaleDropCount() {
	m.StaleDropCount.Add(1)
}

func (m *Metrics) incOpenCount() {
	m.OpenCount.Add(1)
}

func (m *Metrics) incOpenFailCount() {
	m.OpenFailCount.Add(1)
}

func (m *Metrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *Metrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
