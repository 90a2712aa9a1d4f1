package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultParallel is the number of hosts run concurrently when unset.
const DefaultParallel = 10

// RunFleet applies doc to every host with at most parallel runs in flight.
// Runs are independent: one host's failure or halt never affects another.
// Reports are returned in host input order.
func (c *Coordinator) RunFleet(ctx context.Context, doc *Document, hosts []Host, parallel int) []*RunReport {
	if parallel <= 0 {
		parallel = DefaultParallel
	}

	reports := make([]*RunReport, len(hosts))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, h := range hosts {
		g.Go(func() error {
			reports[i] = c.Run(ctx, doc, h)
			return nil
		})
	}
	_ = g.Wait()

	return reports
}
