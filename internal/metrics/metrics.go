package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FetchServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_fetch_served_total",
		Help: "Intercepted requests answered, by route class and response source.",
	}, []string{"class", "source"})

	CacheWriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_cache_write_errors_total",
		Help: "Cache writes that failed and were skipped (quota, storage errors).",
	}, []string{"reason"})

	PrecacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline0_precache_entries",
		Help: "Entries written by the last install.",
	})

	SyncItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_sync_items_total",
		Help: "Queued items replayed, by tag and outcome (synced|retry|failed|discarded).",
	}, []string{"tag", "outcome"})

	SyncSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_sync_signals_total",
		Help: "Connectivity-restored signals received, by tag.",
	}, []string{"tag"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_notifications_total",
		Help: "Notification events (shown|click|open|focus|dismiss|beacon_error).",
	}, []string{"event"})

	Clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline0_clients",
		Help: "Page contexts currently attached.",
	})
)

func Register() {
	prometheus.MustRegister(
		FetchServed, CacheWriteErrors, PrecacheEntries,
		SyncItems, SyncSignals,
		Notifications, Clients,
	)
}
