package loadbalance

import (
	"sync/atomic"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// RoundRobinBalancer walks the host list in order, wrapping at the end.
// Uses an atomic cursor for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	cursor atomic.Uint64
}

// Next returns the index to use for a list of n hosts and advances the cursor.
// The first call returns 0.
func (b *RoundRobinBalancer) Next(n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoHosts
	}
	pos := b.cursor.Add(1) - 1
	return int(pos % uint64(n)), nil
}

func (b *RoundRobinBalancer) Pick(hosts []message.Address) (message.Address, error) {
	index, err := b.Next(len(hosts))
	if err != nil {
		return message.Address{}, err
	}
	return hosts[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
