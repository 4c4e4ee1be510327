package proxy

import (
	"sync/atomic"
)

// Metrics contains atomic counters of a proxy.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// ClientAcceptCount indicates the number of client sessions attached.
	ClientAcceptCount atomic.Uint64
	// ClientActiveGauge indicates the number of client sessions currently attached.
	ClientActiveGauge atomic.Int64
	// ClientProtocolErrCount indicates the number of client sessions torn down for malformed bytes.
	ClientProtocolErrCount atomic.Uint64

	// BroadcastCount indicates the number of device packets handed to the distributor.
	BroadcastCount atomic.Uint64
	// UndeliveredCount indicates device packets no client subscribed to.
	UndeliveredCount atomic.Uint64
	// DroppedCount indicates stream packets dropped from full client queues.
	DroppedCount atomic.Uint64

	// RequestCount indicates the number of RPC requests issued.
	RequestCount atomic.Uint64
	// RetransmitCount indicates the number of RPC retransmissions.
	RetransmitCount atomic.Uint64
	// TimeoutCount indicates the number of RPCs that received no response.
	TimeoutCount atomic.Uint64
	// UnmatchedResponseCount indicates RPC responses without a pending request.
	UnmatchedResponseCount atomic.Uint64
	// LinkLostCount indicates RPCs cancelled because the device link went down.
	LinkLostCount atomic.Uint64
	// PendingGauge indicates the number of RPCs in flight.
	PendingGauge atomic.Int64
}

// MetricsSnapshot is a point in time copy of Metrics.
type MetricsSnapshot struct {
	ClientAcceptCount      uint64 `json:"client_accept_count"`
	ClientActiveGauge      int64  `json:"client_active_gauge"`
	ClientProtocolErrCount uint64 `json:"client_protocol_err_count"`
	BroadcastCount         uint64 `json:"broadcast_count"`
	UndeliveredCount       uint64 `json:"undelivered_count"`
	DroppedCount           uint64 `json:"dropped_count"`
	RequestCount           uint64 `json:"request_count"`
	RetransmitCount        uint64 `json:"retransmit_count"`
	TimeoutCount           uint64 `json:"timeout_count"`
	UnmatchedResponseCount uint64 `json:"unmatched_response_count"`
	LinkLostCount          uint64 `json:"link_lost_count"`
	PendingGauge           int64  `json:"pending_gauge"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ClientAcceptCount:      m.ClientAcceptCount.Load(),
		ClientActiveGauge:      m.ClientActiveGauge.Load(),
		ClientProtocolErrCount: m.ClientProtocolErrCount.Load(),
		BroadcastCount:         m.BroadcastCount.Load(),
		UndeliveredCount:       m.UndeliveredCount.Load(),
		DroppedCount:           m.DroppedCount.Load(),
		RequestCount:           m.RequestCount.Load(),
		RetransmitCount:        m.RetransmitCount.Load(),
		TimeoutCount:           m.TimeoutCount.Load(),
		UnmatchedResponseCount: m.UnmatchedResponseCount.Load(),
		LinkLostCount:          m.LinkLostCount.Load(),
		PendingGauge:           m.PendingGauge.Load(),
	}
}

func (m *Metrics) incClientAcceptCount() {
	m.ClientAcceptCount.Add(1)
	m.ClientActiveGauge.Add(1)
}

func (m *Metrics) decClientActiveGauge() {
	m.ClientActiveGauge.Add(-1)
}

func (m *Metrics) incClientProtocolErrCount() {
	m.ClientProtocolErrCount.Add(1)
}

func (m *Metrics) incBroadcastCount() {
	m.BroadcastCount.Add(1)
}

func (m *Metrics) incUndeliveredCount() {
	m.UndeliveredCount.Add(1)
}

func (m *Metrics) incDroppedCount() {
	m.DroppedCount.Add(1)
}

func (m *Metrics) incRequestCount() {
	m.RequestCount.Add(1)
	m.PendingGauge.Add(1)
}

func (m *Metrics) decPendingGauge() {
	m.PendingGauge.Add(-1)
}

func (m *Metrics) incRetransmitCount() {
	m.RetransmitCount.Add(1)
}

func (m *Metrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *Metrics) incUnmatchedResponseCount() {
	m.UnmatchedResponseCount.Add(1)
}

func (m *Metrics) incLinkLostCount() {
	m.LinkLostCount.Add(1)
}
