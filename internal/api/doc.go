// Package api hosts the controller's HTTP handlers.
//
// Every operation endpoint verifies the caller's checksum before the saga is
// involved: the request parameters, minus the checksum itself, are signed with
// the controller's inbound secret and the endpoint name as tag. Handlers map
// saga errors to status codes and always answer with a success flag and a
// human readable message; operations that touch several peers add an errors
// list naming each peer that failed.
//
// Handlers assume middleware from internal/server has already attached a
// request id, applied rate limits and recorded metrics.
package api
