// Package loadbalance selects which provider host serves the next call.
//
// Only round robin is offered: providers of a method are interchangeable
// and the registry does not carry weights.
package loadbalance

import (
	"errors"

	"github.com/Raykevin-live/RpcJsonix/message"
)

var ErrNoHosts = errors.New("loadbalance: no hosts available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one host from the available list.
	// Called on every RPC call, must be goroutine-safe.
	Pick(hosts []message.Address) (message.Address, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
