// Package peerstub hosts deterministic HTTP fakes for the services a session
// spans: frontends, chat bridges and live encoders speaking the signed JSON
// protocol, and conference backends speaking the BigBlueButton XML API. Each
// fake records the calls it receives so tests can assert ordering, parameters
// and compensations without touching the network.
package peerstub
