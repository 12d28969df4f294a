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

// Package sweeper holds the periodic hygiene loops: flipping silent
// instances to UNKNOWN and purging audit rows past their retention. Sweeps
// are idempotent and safe to rerun after a crash.
package sweeper

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/driftplane/driftplane/pkg/controllers"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const (
	// DefaultStalenessThreshold is how long an instance may stay silent
	// before its status stops being trustworthy.
	DefaultStalenessThreshold = 2 * time.Minute
	DefaultStalenessInterval  = 30 * time.Second
	// DefaultRetention keeps resolved drift events and dead shares around
	// for audit before the purge reclaims them.
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultRetentionInterval = time.Hour
)

// Staleness returns the controller that flips instances silent past the
// threshold to UNKNOWN. Drift bookkeeping stays in place: the next
// heartbeat recomputes status from the hash facts.
func Staleness(store repository.Store, clk clock.WithTicker, interval, threshold time.Duration) controllers.Controller {
	if interval <= 0 {
		interval = DefaultStalenessInterval
	}
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return controllers.Poll("instance.staleness", clk, interval, func(ctx context.Context) error {
		const op = "sweeper.staleness"
		cutoff := clk.Now().Add(-threshold)
		marked, err := store.Instances().MarkUnknownLastSeenBefore(ctx, cutoff)
		if err != nil {
			return errors.Wrap(errors.BackendUnavailable, op, "mark_unknown_failed", err)
		}
		if marked > 0 {
			instancesMarkedUnknown.Add(float64(marked))
			logr.FromContextOrDiscard(ctx).Info("marked silent instances unknown", "instances", marked, "cutoff", cutoff)
		}
		return nil
	})
}

// Retention returns the controller that hard-deletes resolved drift events
// and expired or revoked shares once their audit window has passed. Each
// purge runs even when the other fails.
func Retention(store repository.Store, clk clock.WithTicker, interval, retainFor time.Duration) controllers.Controller {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	if retainFor <= 0 {
		retainFor = DefaultRetention
	}
	return controllers.Poll("audit.retention", clk, interval, func(ctx context.Context) error {
		const op = "sweeper.retention"
		cutoff := clk.Now().Add(-retainFor)
		var errs error
		events, err := store.DriftEvents().PurgeResolvedBefore(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(errors.BackendUnavailable, op, "drift_purge_failed", err))
		} else {
			driftEventsPurged.Add(float64(events))
		}
		shares, err := store.Shares().PurgeExpiredBefore(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(errors.BackendUnavailable, op, "share_purge_failed", err))
		} else {
			sharesPurged.Add(float64(shares))
		}
		if errs == nil && events+shares > 0 {
			logr.FromContextOrDiscard(ctx).Info("purged audit rows", "driftEvents", events, "shares", shares, "cutoff", cutoff)
		}
		return errs
	})
}
