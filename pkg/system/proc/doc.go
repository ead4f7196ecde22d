// Package proc provides lightweight, zero-dependency readers over Linux's
// /proc filesystem, used by pkg/oom (to read cgroup memory accounting) and
// pkg/perf (to classify a sampled thread's OS-level run state without
// asking the host language to track it).
//
// Readers:
//
//   - ClockTicks / PageSize: jiffy and page-size constants, overridable via
//     CLK_TCK / PAGE_SIZE env vars for hermetic tests.
//   - Exists(pid): whether /proc/<pid> exists.
//   - ReadProcStat(pid): utime/stime/minflt/majflt from /proc/<pid>/stat.
//   - ReadTaskState(pid, tid): the raw process-state character (field 3)
//     from /proc/<pid>/task/<tid>/stat, feeding pkg/perf's
//     Running/Waiting/Uninterruptible/Other classification.
//   - ReadProcIO(pid): read_bytes/write_bytes from /proc/<pid>/io.
//   - ReadProcRSS(pid): resident set size, preferring smaps_rollup and
//     falling back to statm.
//   - ReadSystemCPU(): aggregate CPU jiffies from /proc/stat.
//   - ReadProcChildren(pid): direct child PIDs via /proc/<pid>/task/*/children.
//
// All readers return monotonically increasing counters where applicable;
// callers take deltas between samples themselves. None of these readers
// hold any lock or retain state between calls.
package proc
