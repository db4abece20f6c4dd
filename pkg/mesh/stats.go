package mesh

// Stats counts what a node has done since it started.
type Stats struct {
	PacketsTx         uint64
	PacketsRx         uint64
	PacketsForwarded  uint64
	DuplicatesDropped uint64
	HopLimitExceeded  uint64
	QueueDrops        uint64
	AcksSent          uint64
	AcksReceived      uint64
	AckTimeouts       uint64
	Retransmissions   uint64
	BytesTx           uint64
	BytesRx           uint64
	InvalidPackets    uint64
	DecryptFailures   uint64
	PhyErrors         uint64

	// Fraction of the utilization window spent on air, 0..1.
	ChannelUtilization float32
	AvgRTTMillis       float32
	NeighborCount      int
	RouteCount         int
	PendingRebroadcast int
	QueueDepth         int
}

// rttAverage is a running mean of acknowledged round trips.
type rttAverage struct {
	count uint64
	mean  float32
}

func (r *rttAverage) add(ms float32) {
	r.count++
	r.mean += (ms - r.mean) / float32(r.count)
}
