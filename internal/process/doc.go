// Package process provides a pool of worker processes.
//
// The package offers two levels of abstraction:
//
// Worker wraps one re-executed child process and its two channels:
//   - A work channel (parent to child) carrying scheduled units
//   - A status channel (child to parent) carrying busy/failed/dead reports
//   - Graceful shutdown with SIGUSR1: the child drains its queue, then exits
//   - Forceful shutdown with SIGKILL
//   - Restart that keeps the channel pair, so queued units survive a crash
//
// Pool manages an ordered set of workers:
//   - Least-dispatched scheduling and broadcast
//   - Expand, Shrink and Resize (the newest workers are removed first)
//   - Shutdown with an optional timeout that escalates to SIGKILL
//
// The parent never sees child memory. Every state query first drains the
// status channel without blocking and keeps the latest report, so state is
// always a lagging snapshot.
//
// Children are the same binary started again with a marker in the
// environment, so the program must route them to the worker loop first:
//
//	func main() {
//	    if process.IsChild() {
//	        os.Exit(process.ChildMain())
//	    }
//
//	    pool, err := process.NewPool(&process.PoolOptions{Size: 4})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer pool.Shutdown(30 * time.Second)
//
//	    pool.Schedule(&jobs.Shell{Command: "gzip -9 big.log"})
//	}
//
// Units must be registered with unit.Register in both processes, which a
// package init function takes care of.
package process
