// Package cluster holds the membership types and HTTP helpers shared by the
// meta-data service and the storage nodes.
//
// # Overview
//
// Nodes announce themselves to the meta-data service with a RegisterRequest
// and periodically fetch the NodeList it keeps. Each node folds that list
// into a Directory, which the HTTP transport consults to turn a node ID into
// a base URL.
//
//	          ┌──────────────┐
//	          │    metad     │
//	          │ /register    │
//	          │ /nodes       │
//	          └──────┬───────┘
//	                 │ NodeList
//	      ┌──────────┼──────────┐
//	      │          │          │
//	┌─────▼────┐┌────▼─────┐┌───▼──────┐
//	│  node-1  ││  node-2  ││  node-3  │
//	│ Directory││ Directory││ Directory│
//	└──────────┘└──────────┘└──────────┘
//
// # Communication
//
// Every surface speaks JSON over HTTP. PostJSON and GetJSON share one
// http.Client with a fixed timeout and honour the caller's context; any
// status of 300 or above comes back as an *HTTPError.
//
// Thread Safety:
//
// Directory is safe for concurrent use. NodeInfo and the request types are
// plain values.
package cluster
