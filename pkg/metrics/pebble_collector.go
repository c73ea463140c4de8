package metrics

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreSource lists the pebble stores to export, keyed by index uid.
type StoreSource func() map[string]*pebble.DB

// PebbleCollector exports storage engine metrics for every open index.
type PebbleCollector struct {
	source StoreSource

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walFiles                *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesWritten         *prometheus.Desc
	diskSpaceUsage          *prometheus.Desc
}

func NewPebbleCollector(source StoreSource) *PebbleCollector {
	labels := []string{"index"}
	return &PebbleCollector{
		source: source,
		compactionCount: prometheus.NewDesc(
			"indexer_pebble_compaction_count_total",
			"Total number of compactions performed",
			labels, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"indexer_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			labels, nil,
		),
		compactionInProgress: prometheus.NewDesc(
			"indexer_pebble_compaction_in_progress_bytes",
			"Number of bytes being compacted currently",
			labels, nil,
		),
		memtableSize: prometheus.NewDesc(
			"indexer_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			labels, nil,
		),
		memtableCount: prometheus.NewDesc(
			"indexer_pebble_memtable_count",
			"Current count of memtables",
			labels, nil,
		),
		walFiles: prometheus.NewDesc(
			"indexer_pebble_wal_files",
			"Number of live WAL files",
			labels, nil,
		),
		walSize: prometheus.NewDesc(
			"indexer_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			labels, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"indexer_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			labels, nil,
		),
		diskSpaceUsage: prometheus.NewDesc(
			"indexer_pebble_disk_space_usage_bytes",
			"Total disk space used by the store",
			labels, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.compactionInProgress
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskSpaceUsage
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	for uid, db := range pc.source() {
		m := db.Metrics()
		ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(m.Compact.Count), uid)
		ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt), uid)
		ch <- prometheus.MustNewConstMetric(pc.compactionInProgress, prometheus.GaugeValue, float64(m.Compact.InProgressBytes), uid)
		ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size), uid)
		ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count), uid)
		ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(m.WAL.Files), uid)
		ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(m.WAL.Size), uid)
		ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten), uid)
		ch <- prometheus.MustNewConstMetric(pc.diskSpaceUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()), uid)
	}
}
