package corelink

import (
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/corelink/pkg/telemetry"
)

var (
	MetricDatagramInBytes        = []string{"corelink", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"corelink", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"corelink", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"corelink", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"corelink", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"corelink", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"corelink", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"corelink", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"corelink", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"corelink", "connection", "error", "count"}
	MetricConnEstCount           = []string{"corelink", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"corelink", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"corelink", "host", "name", "conflicts", "count"}

	MetricServiceClaimCount          = []string{"corelink", "node", "service", "claim", "count"}
	MetricServiceUnclaimCount        = []string{"corelink", "node", "service", "unclaim", "count"}
	MetricServiceEvictedCount        = []string{"corelink", "node", "service", "evicted", "count"}
	MetricServiceStreamRoutedCount   = []string{"corelink", "node", "service", "stream", "routed", "count"}
	MetricServiceStreamRejectedCount = []string{"corelink", "node", "service", "stream", "rejected", "count"}
	MetricNameConflictCount          = []string{"corelink", "node", "name", "conflict", "count"}
)

// LabelsForAddr returns the labels identifying a peer.
func LabelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{telemetry.LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, telemetry.LabelPeerName.M(addr.Name))
	}
	return labels
}
