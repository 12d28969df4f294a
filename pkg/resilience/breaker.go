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
	stderrors "errors"

	"github.com/sony/gobreaker"

	"github.com/driftplane/driftplane/pkg/errors"
)

// Breaker stops hammering a backend that keeps failing. Only retryable
// failures count toward tripping: a conflict or a not-found is the backend
// working fine.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker for the named backend. Unless overridden in
// settings, the breaker trips after 5 consecutive retryable failures.
func NewBreaker(name string, settings gobreaker.Settings) *Breaker {
	settings.Name = name
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !errors.IsRetryable(err)
	}
	prev := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		breakerState.WithLabelValues(name).Set(float64(to))
		if prev != nil {
			prev(name, from, to)
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. An open breaker surfaces as
// BackendUnavailable so callers and retry policies treat it like any other
// backend outage.
func (b *Breaker) Execute(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(errors.BackendUnavailable, op, "circuit_open", err)
	}
	return err
}

// State exposes the underlying breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
