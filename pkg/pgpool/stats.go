package pgpool

// Stats is a point-in-time snapshot of pool state and lifetime counters.
type Stats struct {
	MinSize         int32   `json:"min_size"`
	MaxSize         int32   `json:"max_size"`
	InUse           int32   `json:"in_use"`
	Idle            int32   `json:"idle"`
	TotalCreated    int64   `json:"total_created"`
	TotalReturned   int64   `json:"total_returned"`
	TotalFailed     int64   `json:"total_failed"`
	TotalQueries    int64   `json:"total_queries"`
	AvgQueryMS      float64 `json:"avg_query_ms"`
	SlowQueries     int64   `json:"slow_queries"`
	AcquireTimeouts int64   `json:"acquire_timeouts"`
}

// counters are the mutable backing for Stats, guarded by the pool mutex.
type counters struct {
	totalCreated    int64
	totalReturned   int64
	totalFailed     int64
	totalQueries    int64
	totalQueryNanos int64
	slowQueries     int64
	acquireTimeouts int64
}
