package discovery

import (
	"context"
	"sync/atomic"
)

// StaticResolver rotates over a fixed address list.
type StaticResolver struct {
	addrs []string
	next  atomic.Uint64
}

// NewStaticResolver returns a resolver cycling through addrs in order.
func NewStaticResolver(addrs ...string) *StaticResolver {
	return &StaticResolver{addrs: append([]string(nil), addrs...)}
}

// Resolve returns the next address.
func (r *StaticResolver) Resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(r.addrs) == 0 {
		return "", ErrNoEndpoint
	}
	i := r.next.Add(1) - 1
	return r.addrs[i%uint64(len(r.addrs))], nil
}
