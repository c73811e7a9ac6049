package service

// Package service implements the execution of actor scripts.
//
// Overview
// An Invoker runs a script on behalf of a named actor. Only one script per
// actor may run at a time; a second request for a busy actor fails right
// away with model.ErrActorBusy and is never queued.
//
// Run is a thin, opinionated wrapper around os/exec:
//   - starts the process with stdout and stderr connected to its own pipes
//   - reads both pipes into an Output
//   - is done once the process exited AND both pipes reached EOF
//   - on a read or wait failure terminates the process, waits for it and
//     only then reports the failure
//
// Output buffers chunks until it is switched to streaming, after which
// everything, including the buffer, goes to a Sink.
//
// Data flow:
//
//   caller             Invoker{locks}                Run{cmd}            Output
//     |                    |                            |                   |
//     | Invoke(key) ------>| TryAcquire(key)            |                   |
//     |                    | Start -------------------->| exec.Start        |
//     |                    |                            | pump ------------>| Append
//     |                    | Race(run, timer)           |                   |
//     |                    |   run first: Drain         |                   |
//     |<---- Result -------|   timer first: ------------------------------->| Stream(sink)
//     |                    |                            |                   |
//     |                    | (background) Wait <--------| exit + EOF x2     |
//     |                    | log exit code, Release(key)|                   |
//
// Invariants:
//   - At most one Run per actor key at a time.
//   - The lock is released when the process is really gone, never on timeout.
//   - Each execution produces one terminal outcome (completed or failed).
//   - Every chunk ends up exactly once either in the Result or in the Sink.
//   - A late timer never produces a second response.
