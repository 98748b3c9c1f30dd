// Package server hosts the controller API from a single HTTP server.
//
// Every route shares one middleware chain: request ids, request logging,
// metrics, rate limiting and security headers. Viewer joins carry an extra
// per-client limit that can be backed by Redis when several controllers sit
// behind one load balancer.
package server
