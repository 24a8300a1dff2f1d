package nvme

import (
	"context"

	"github.com/fenio/tns-nvmf/pkg/target"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Result carries the outcome of an asynchronous operation.
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn in its own goroutine and delivers its result on the returned
// channel, which receives exactly one value and is then closed. Any Client
// method fits fn; semantics and errors are those of the synchronous call.
func Async[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

// ConnectMany connects addrs and returns one Result per address, in order.
// Addresses of the same subsystem are connected one after another since
// they resolve to the same device; distinct subsystems are connected in
// parallel, at most limit at a time when limit is positive. A non-nil opts
// makes every connect bounded.
func (c *Client) ConnectMany(ctx context.Context, addrs []target.Address, limit int, opts *ConnectOptions) []Result[string] {
	results := make([]Result[string], len(addrs))

	groups := map[string][]int{}
	var order []string
	for i, addr := range addrs {
		if _, ok := groups[addr.SubsystemID]; !ok {
			order = append(order, addr.SubsystemID)
		}
		groups[addr.SubsystemID] = append(groups[addr.SubsystemID], i)
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, nqn := range order {
		indexes := groups[nqn]
		g.Go(func() error {
			for _, i := range indexes {
				var path string
				var err error
				if opts != nil {
					path, err = c.ConnectWithOptions(ctx, addrs[i], *opts)
				} else {
					path, err = c.Connect(ctx, addrs[i])
				}
				results[i] = Result[string]{Value: path, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	klog.V(4).Infof("Connected %d of %d target(s) on %s", len(addrs)-failed, len(addrs), c.Host())
	return results
}
