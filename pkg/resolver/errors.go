package resolver

import "errors"

var (
	// ErrNoServers is returned when a client has no nameservers configured
	ErrNoServers = errors.New("no upstream servers configured")

	// ErrNoAnswer is returned when the upstream reply carries no A record
	ErrNoAnswer = errors.New("no A record in answer")

	// ErrRcode is returned when the upstream reply has a non-success rcode
	ErrRcode = errors.New("upstream returned error rcode")
)
