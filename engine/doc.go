// Package engine interprets validated workflow graphs: the sequential
// execution controller, the parallel coordinator and its bounded worker
// pool, retry and timeout policy, crash-recovery persistence, the
// single-instance lock, and signal-driven shutdown.
package engine
