// Package bulk routes bulk writes to the cheapest viable load
// mechanism: row-wise inserts for tiny jobs, multi-row VALUES for small
// ones, pipelined prepared batches for medium ones, and the COPY
// protocol for large ones.
//
// Every attempt runs under a single transaction on a freshly acquired
// pool session. Transient driver errors retry with exponential backoff
// and full jitter; a refused COPY stream demotes the job to the
// prepared-batch path. Conflict policies translate to ON CONFLICT
// clauses; the copy path stages through a session-temporary table so
// conflicts can still be merged in one statement.
package bulk
