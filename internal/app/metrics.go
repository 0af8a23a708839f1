package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dstrelka/huddle/internal/core"
)

// SignalErrors counts signaling requests rejected with an error.
var SignalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "huddle",
	Name:      "signal_errors_total",
	Help:      "Signaling requests that were rejected.",
}, []string{"op"})

var (
	roomsDesc = prometheus.NewDesc("huddle_rooms", "Active rooms.", nil, nil)
	peersDesc = prometheus.NewDesc("huddle_peers", "Peers across all rooms.", nil, nil)
	prodDesc  = prometheus.NewDesc("huddle_producers", "Producers across all rooms.", nil, nil)
	consDesc  = prometheus.NewDesc("huddle_consumers", "Consumers across all rooms.", nil, nil)
)

// RoomStatsCollector exposes room occupancy as prometheus gauges, computed
// from the manager's snapshot on scrape.
type RoomStatsCollector struct {
	rooms *core.RoomManager
}

func NewRoomStatsCollector(rooms *core.RoomManager) *RoomStatsCollector {
	return &RoomStatsCollector{rooms: rooms}
}

func (c *RoomStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- roomsDesc
	ch <- peersDesc
	ch <- prodDesc
	ch <- consDesc
}

func (c *RoomStatsCollector) Collect(ch chan<- prometheus.Metric) {
	infos := c.rooms.List()
	var peers, producers, consumers int
	for _, info := range infos {
		peers += info.PeerCount
		producers += info.ProducerCount
		consumers += info.ConsumerCount
	}
	ch <- prometheus.MustNewConstMetric(roomsDesc, prometheus.GaugeValue, float64(len(infos)))
	ch <- prometheus.MustNewConstMetric(peersDesc, prometheus.GaugeValue, float64(peers))
	ch <- prometheus.MustNewConstMetric(prodDesc, prometheus.GaugeValue, float64(producers))
	ch <- prometheus.MustNewConstMetric(consDesc, prometheus.GaugeValue, float64(consumers))
}
