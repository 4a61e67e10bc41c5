package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection health gauges, labeled by account id. Refreshed on every sample
// and deleted when the monitor stops so closed accounts disappear from
// scrapes.
var (
	connectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaapi_connection_connected",
		Help: "1 when the account's event stream is authenticated.",
	}, []string{"account_id"})

	brokerConnectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaapi_connection_connected_to_broker",
		Help: "1 when the terminal reports a live broker link.",
	}, []string{"account_id"})

	quoteStreamingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaapi_connection_quote_streaming_healthy",
		Help: "1 when quotes arrived within the freshness window.",
	}, []string{"account_id"})

	synchronizedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaapi_connection_synchronized",
		Help: "1 when the local mirror agrees with the terminal.",
	}, []string{"account_id"})

	uptimeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaapi_connection_uptime_ratio",
		Help: "Fraction of healthy samples over the rolling window.",
	}, []string{"account_id", "window"})
)

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func updateGauges(accountID string, hs HealthStatus, up Uptime) {
	connectedGauge.WithLabelValues(accountID).Set(boolValue(hs.Connected))
	brokerConnectedGauge.WithLabelValues(accountID).Set(boolValue(hs.ConnectedToBroker))
	quoteStreamingGauge.WithLabelValues(accountID).Set(boolValue(hs.QuoteStreamingHealthy))
	synchronizedGauge.WithLabelValues(accountID).Set(boolValue(hs.Synchronized))
	uptimeGauge.WithLabelValues(accountID, "1h").Set(up.OneHour)
	uptimeGauge.WithLabelValues(accountID, "1d").Set(up.OneDay)
	uptimeGauge.WithLabelValues(accountID, "1w").Set(up.OneWeek)
}

func deleteGauges(accountID string) {
	labels := prometheus.Labels{"account_id": accountID}
	connectedGauge.Delete(labels)
	brokerConnectedGauge.Delete(labels)
	quoteStreamingGauge.Delete(labels)
	synchronizedGauge.Delete(labels)
	uptimeGauge.DeletePartialMatch(labels)
}
