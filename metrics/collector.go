// Package metrics exposes cache statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/objcache"
)

const namespace = "objcache"

// Source is anything that reports cache statistics; every objcache.Cache does.
type Source interface {
	Info() objcache.Info
}

// Collector reads Info on every scrape. Counters restart from zero after
// ResetStats on the source.
type Collector struct {
	src Source

	hits, misses, calls, callSeconds   *prometheus.Desc
	ratio, healthy, degraded, errors   *prometheus.Desc
	reconnects                         *prometheus.Desc
	localEntries, localBytes, localMax *prometheus.Desc
	localEvictions, localCleanups      *prometheus.Desc
	localResets, localLockTimeouts     *prometheus.Desc
	compressed, compressedBytes        *prometheus.Desc
	compressionRatio                   *prometheus.Desc
	flushDeleted, flushSeconds         *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// New returns a collector for src. name becomes the "cache" label so several
// caches can share a registry.
func New(name string, src Source) *Collector {
	labels := prometheus.Labels{"cache": name}
	desc := func(sub, n, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, n), help, variable, labels)
	}
	return &Collector{
		src: src,

		hits:        desc("", "hits_total", "Lookups answered from either tier."),
		misses:      desc("", "misses_total", "Lookups that found nothing."),
		calls:       desc("backend", "calls_total", "Backend round trips."),
		callSeconds: desc("backend", "call_seconds_total", "Time spent in backend round trips."),
		ratio:       desc("", "hit_ratio_percent", "Hit percentage; 100 before any lookup."),
		healthy:     desc("backend", "healthy", "1 when the backend is in use.", "client", "version"),
		degraded:    desc("", "degraded", "1 while serving from the local tier only."),
		errors:      desc("", "recorded_errors", "Entries in the rolling error list."),
		reconnects:  desc("backend", "reconnects_total", "Successful automatic or manual reconnects."),

		localEntries:      desc("local", "entries", "Entries in the local tier."),
		localBytes:        desc("local", "bytes", "Tracked bytes in the local tier."),
		localMax:          desc("local", "max_entries", "Entry bound of the local tier."),
		localEvictions:    desc("local", "evictions_total", "Entries evicted to respect the bound."),
		localCleanups:     desc("local", "cleanups_total", "Memory-pressure or age cleanups."),
		localResets:       desc("local", "resets_total", "Emergency resets of the local tier."),
		localLockTimeouts: desc("local", "lock_timeouts_total", "Operations that skipped the local tier on lock timeout."),

		compressed:       desc("compression", "payloads_total", "Payloads stored compressed."),
		compressedBytes:  desc("compression", "saved_bytes_total", "Bytes saved by compression."),
		compressionRatio: desc("compression", "ratio_percent", "Size reduction of compressed payloads."),

		flushDeleted: desc("flush", "last_deleted", "Keys deleted by the last group flush.", "group"),
		flushSeconds: desc("flush", "last_seconds", "Duration of the last group flush.", "group"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.calls, c.callSeconds, c.ratio, c.healthy, c.degraded, c.errors, c.reconnects,
		c.localEntries, c.localBytes, c.localMax, c.localEvictions, c.localCleanups, c.localResets, c.localLockTimeouts,
		c.compressed, c.compressedBytes, c.compressionRatio, c.flushDeleted, c.flushSeconds,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	in := c.src.Info()
	counter := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, lv...)
	}
	gauge := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
	}

	counter(c.hits, float64(in.Hits))
	counter(c.misses, float64(in.Misses))
	counter(c.calls, float64(in.Calls))
	counter(c.callSeconds, in.Time.Seconds())
	gauge(c.ratio, in.Ratio)
	gauge(c.healthy, boolf(in.Healthy), in.Meta.Client, in.Meta.Version)
	gauge(c.degraded, boolf(in.Degraded))
	gauge(c.errors, float64(len(in.Errors)))
	counter(c.reconnects, float64(in.Meta.Reconnects))

	gauge(c.localEntries, float64(in.Local.Entries))
	gauge(c.localBytes, float64(in.Local.Bytes))
	gauge(c.localMax, float64(in.Local.MaxEntries))
	counter(c.localEvictions, float64(in.Local.Evictions))
	counter(c.localCleanups, float64(in.Local.Cleanups))
	counter(c.localResets, float64(in.Local.Resets))
	counter(c.localLockTimeouts, float64(in.Local.LockTimeouts))

	comp := in.Compression.Compressed
	counter(c.compressed, float64(comp.Count))
	counter(c.compressedBytes, float64(comp.Before-comp.After))
	gauge(c.compressionRatio, in.Compression.Ratio)

	if in.LastFlush.Group != "" {
		gauge(c.flushDeleted, float64(in.LastFlush.Deleted), in.LastFlush.Group)
		gauge(c.flushSeconds, in.LastFlush.Elapsed.Seconds(), in.LastFlush.Group)
	}
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
