package traceroute

import (
	"fmt"
	"strings"
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
)

type Hop struct {
	HopNumber uint8
	NodeID    meshid.NodeID
	RTT       *time.Duration
	RSSI      *float32
	SNR       *float32
}

// Result is the outcome of one trace, complete or timed out.
type Result struct {
	RequestID   uint32
	Source      meshid.NodeID
	Destination meshid.NodeID
	Reached     bool
	Hops        []Hop
	TotalRTT    *time.Duration
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (r Result) HopCount() int {
	return len(r.Hops)
}

// AvgRTTPerHop averages the hops that have a measured RTT.
func (r Result) AvgRTTPerHop() (time.Duration, bool) {
	var (
		sum   time.Duration
		count int
	)
	for _, h := range r.Hops {
		if h.RTT != nil {
			sum += *h.RTT
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / time.Duration(count), true
}

// Format renders the result for humans.
func (r Result) Format() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Traceroute from %08x to %08x\n", uint32(r.Source), uint32(r.Destination))
	fmt.Fprintf(&out, "Hops: %d\n", r.HopCount())

	for _, h := range r.Hops {
		rtt := "*"
		if h.RTT != nil {
			rtt = fmt.Sprintf("%.1fms", float64(*h.RTT)/float64(time.Millisecond))
		}
		signal := ""
		switch {
		case h.RSSI != nil && h.SNR != nil:
			signal = fmt.Sprintf(" [RSSI: %.0fdBm, SNR: %.1fdB]", *h.RSSI, *h.SNR)
		case h.RSSI != nil:
			signal = fmt.Sprintf(" [RSSI: %.0fdBm]", *h.RSSI)
		}
		fmt.Fprintf(&out, "  %2d. %08x  %s%s\n", h.HopNumber, uint32(h.NodeID), rtt, signal)
	}

	if r.Reached {
		if r.TotalRTT != nil {
			fmt.Fprintf(&out, "Destination reached in %.1fms\n", float64(*r.TotalRTT)/float64(time.Millisecond))
		} else {
			out.WriteString("Destination reached\n")
		}
	} else {
		out.WriteString("Destination NOT reached\n")
	}
	return out.String()
}

// RouteString is a one line "a --> b (snr) --> c" form for logs.
func (r Result) RouteString() string {
	var route strings.Builder
	for i, h := range r.Hops {
		if i > 0 {
			route.WriteString(" --> ")
		}
		if h.SNR != nil {
			fmt.Fprintf(&route, "0x%x (%.2fdB)", uint32(h.NodeID), *h.SNR)
		} else {
			fmt.Fprintf(&route, "0x%x (?dB)", uint32(h.NodeID))
		}
	}
	return route.String()
}
