// Package cluster carries the JSON-over-HTTP plumbing shared by the config
// server, the routers and the shard processes.
//
// # Overview
//
//	              ┌──────────────┐
//	              │  configsvr   │
//	              │ config data  │
//	              └──────┬───────┘
//	        find/*       │      register
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  router   │  │  shard0   │◄─┤  shard1   │
//	│  (cache)  │  │           │  │  donor    │
//	└───────────┘  └───────────┘  └───────────┘
//
// Every request and reply body is JSON. Successful replies use a 2xx status;
// failures carry an ErrorBody whose code is one of the names in package
// errcode, so an error crosses a process boundary without losing its code:
//
//	server:  cluster.WriteError(w, errcode.New(errcode.StaleConfig, "..."))
//	client:  err := cluster.GetJSON(ctx, url, &out)
//	         errors.Is(err, errcode.StaleConfig) // true
//
// Transport failures (connection refused, timeouts) are marked
// errcode.HostUnreachable so callers can decide to try another address.
//
// All requests share one http.Client with a five second timeout.
package cluster
