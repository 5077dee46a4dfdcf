// Package eventprocessor correlates syscall call and return stops and turns
// each completed pair into statistics.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      tracer (ptrace syscall stops)      │
//	└─────────────────┬───────────────────────┘
//	                  │ Event{Tid, Phase, Regs}
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor.Processor              │
//	│   - HandleCall: capture args, path,     │
//	│     start timestamp per thread id       │
//	│   - HandleReturn: elapsed time, route   │
//	│     by syscalls.Kind                    │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ open/openat ──→ fdtable.Insert + stats.RecordOpen
//	          │
//	          ├──→ close ────────→ stats.RecordClose + fdtable.Remove
//	          │
//	          ├──→ read/write ───→ fdtable.Lookup + stats.RecordRead/Write
//	          │
//	          ├──→ dup family ───→ fdtable.InsertAlias
//	          │
//	          └──→ anything else → stats.RecordOperation
//
// Pending calls are kept per thread id. A return with no pending call is
// recorded with zero latency against the "unknown" path and counted as a
// data-quality event. Failing to read a path argument or the clock means the
// tracer lost track of the tracee; those errors wrap ErrDesynchronized and stop
// tracing.
//
// A Processor is driven by the single tracer goroutine and is not safe for
// concurrent use; the stores it writes to are.
package eventprocessor
