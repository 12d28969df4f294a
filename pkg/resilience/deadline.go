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
	"net/http"
	"strconv"
	"time"

	"github.com/driftplane/driftplane/pkg/errors"
)

// DeadlineHeader carries a request's absolute deadline across process
// boundaries as unix milliseconds.
const DeadlineHeader = "X-Request-Deadline"

// Remaining returns the time left in the request's budget. ok is false when
// the context carries no deadline.
func Remaining(ctx context.Context) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// CheckBudget fails fast with DeadlineExceeded when less than need remains in
// the request's budget. Blocking calls check before starting rather than
// discovering the expiry midway.
func CheckBudget(ctx context.Context, op string, need time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.DeadlineExceeded, op, "context_done", err)
	}
	remaining, ok := Remaining(ctx)
	if !ok {
		return nil
	}
	if remaining < need {
		return errors.New(errors.DeadlineExceeded, op, "budget_exhausted",
			"%s remaining of %s needed", remaining, need)
	}
	return nil
}

// SetDeadlineHeader stamps the context's deadline onto outbound headers with
// millisecond precision. No-op when the context has no deadline.
func SetDeadlineHeader(ctx context.Context, h http.Header) {
	if deadline, ok := ctx.Deadline(); ok {
		h.Set(DeadlineHeader, strconv.FormatInt(deadline.UnixMilli(), 10))
	}
}

// WithDeadlineFromHeader applies an inbound deadline header to the context.
// Malformed or absent headers leave the context untouched.
func WithDeadlineFromHeader(ctx context.Context, h http.Header) (context.Context, context.CancelFunc) {
	raw := h.Get(DeadlineHeader)
	if raw == "" {
		return ctx, func() {}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, time.UnixMilli(millis))
}
