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

package resilience

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/driftplane/driftplane/pkg/errors"
)

// RetryOptions tunes the backoff loop around a backend call.
type RetryOptions struct {
	// Attempts is the total number of tries including the first.
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  1 * time.Second,
		MaxJitter: 25 * time.Millisecond,
	}
}

// Retry runs fn with exponential backoff and jitter. Only failures classified
// as retryable are retried; the rest return immediately. The loop never
// outlives the context: expiry surfaces as DeadlineExceeded carrying the last
// backend error.
func Retry(ctx context.Context, op string, opts RetryOptions, fn func() error) error {
	if opts.Attempts == 0 {
		opts = DefaultRetryOptions()
	}
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.BaseDelay),
		retry.MaxDelay(opts.MaxDelay),
		retry.MaxJitter(opts.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool {
			if budgetErr := CheckBudget(ctx, op, opts.BaseDelay); budgetErr != nil {
				return false
			}
			return errors.IsRetryable(err)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			retriesTotal.WithLabelValues(op).Inc()
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrap(errors.DeadlineExceeded, op, "retry_budget_exhausted", err)
	}
	return err
}
