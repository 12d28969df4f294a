/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package controllers hosts the long-running loops of the control plane and
// the small harness that runs them together.
package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Controller is a long-running control loop. Start blocks until the context
// ends or the loop fails unrecoverably; a context-ended return is a clean
// shutdown, not an error.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
}

// Run starts every controller and blocks until all have stopped. The first
// controller failure cancels the rest.
func Run(ctx context.Context, controllers ...Controller) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		c := c
		group.Go(func() error {
			logr.FromContextOrDiscard(ctx).Info("starting controller", "controller", c.Name())
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s controller, %w", c.Name(), err)
			}
			return nil
		})
	}
	return group.Wait()
}

type pollingController struct {
	name     string
	clk      clock.WithTicker
	interval time.Duration
	sweep    func(ctx context.Context) error
}

// Poll adapts a sweep function into a Controller that runs it on a fixed
// interval. A failed sweep is logged and retried on the next tick; sweeps
// must be idempotent.
func Poll(name string, clk clock.WithTicker, interval time.Duration, sweep func(ctx context.Context) error) Controller {
	return &pollingController{
		name:     name,
		clk:      clk,
		interval: interval,
		sweep:    sweep,
	}
}

func (c *pollingController) Name() string {
	return c.name
}

func (c *pollingController) Start(ctx context.Context) error {
	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if err := c.sweep(ctx); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "sweep failed", "controller", c.name)
		}
	}
}
