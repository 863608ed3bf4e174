// Package cachemon polls PostgreSQL buffer cache metrics and raises
// alerts when hit ratios fall below their thresholds.
//
// The monitor keeps a ring buffer of the most recent samples and
// summarizes the window (min, mean, p95) for inclusion in audit
// reports. Alerts carry a static recommendation per kind and respect a
// per-kind cooldown so a sustained dip produces one alert, not one per
// sample.
package cachemon
