// Package discovery resolves the address a kin client dials. Resolvers are
// consulted before every connection attempt, so a reconnect follows the
// service when it moves.
package discovery

import "errors"

// ErrNoEndpoint the resolver has no address to offer.
var ErrNoEndpoint = errors.New("discovery: no endpoint available")
