package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainnode"

var (
	HeaderHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "header_height",
		Help:      "Height of the validated header chain tip",
	})

	IndexedHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "indexed_height",
		Help:      "Highest block applied to the wallet index",
	})

	BlocksDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_downloaded_total",
		Help:      "Blocks validated and persisted by the downloader",
	})

	BlockDownloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_download_failures_total",
		Help:      "Block requests that failed validation, were not found or timed out",
	})

	PeerPenalties = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_penalties_total",
		Help:      "Misbehaviour penalties applied to peers",
	}, []string{"reason"})

	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_size",
		Help:      "Transactions held in the mempool cache",
	})

	MempoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mempool_evictions_total",
		Help:      "Transactions evicted from the mempool cache to make room",
	})

	ServerPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_peers",
		Help:      "Inbound peers connected to the server",
	})
)
