/*
Package pruv is a multi-process HTTP front end: a dispatcher process
terminates TCP connections, parses pipelined HTTP/1.x requests at the edge,
and hands each one to a pool of worker child processes over a control pipe
plus two POSIX shared-memory regions — one for the request, one for the
response. Workers are ordinary processes: each reads one request at a time
from its shared region, produces a response into the other, and signals
completion back through the control pipe.

Non-goals: TLS termination, HTTP/2, request routing by path, content
caching, load-balancing across machines, authentication, and inspection of
request bodies.

# Quick start

	package main

	import (
	    "github.com/API92/pruv/app"
	    "github.com/API92/pruv/config"
	)

	func main() {
	    cfg := config.New()
	    a := app.New(cfg, myHandler)
	    if err := a.Run(); err != nil {
	        panic(err)
	    }
	}

myHandler runs in the worker process; see internal/workerloop.Handler.

# Modules

  - app: process orchestration (dispatcher vs. worker mode, daemonization,
    signal-driven shutdown)
  - config: command-line configuration (spec flags)
  - internal/shmbuf: page-aligned POSIX shared-memory buffer
  - internal/pools: buffer free lists and the worker-side by-name buffer cache
  - internal/conn: per-connection state machine
  - internal/httpframe: incremental pipelined HTTP/1.x framing
  - internal/worker: worker process handle
  - internal/dispatcher: accept loop, scheduler, write path, reaper
  - internal/poller: epoll/kqueue abstraction
  - internal/workerloop: the worker child's request loop
  - internal/procspawn: --daemon re-execution
  - internal/logging: leveled logger (console and syslog backends)
*/
package pruv
