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

// Package inproc is the embedded transport: a bounded in-memory queue for
// producers living in the same process as the control plane.
package inproc

import (
	"context"
	"strconv"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/transport"
)

const DefaultDepth = 1024

// Queue is a transport.Source fed by Publish. A full queue rejects the
// producer with Overloaded instead of blocking it; shedding is the producer's
// signal to back off.
type Queue struct {
	messages chan transport.Message
	clk      clock.Clock
	seq      atomic.Int64
}

func NewQueue(clk clock.Clock, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{
		messages: make(chan transport.Message, depth),
		clk:      clk,
	}
}

// Publish enqueues one payload, stamping its receive time.
func (q *Queue) Publish(_ context.Context, body []byte) error {
	msg := transport.Message{
		ID:         strconv.FormatInt(q.seq.Add(1), 10),
		Body:       body,
		ReceivedAt: q.clk.Now(),
	}
	select {
	case q.messages <- msg:
		return nil
	default:
		return errors.New(errors.Overloaded, "inproc.Publish", "queue_full",
			"heartbeat queue is at its depth limit of %d", cap(q.messages))
	}
}

// Receive blocks for the first message, then drains whatever else is already
// queued so the caller gets a batch.
func (q *Queue) Receive(ctx context.Context) ([]transport.Message, error) {
	var batch []transport.Message
	select {
	case msg := <-q.messages:
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, errors.Wrap(errors.DeadlineExceeded, "inproc.Receive", "receive_canceled", ctx.Err())
	}
	for {
		select {
		case msg := <-q.messages:
			batch = append(batch, msg)
		default:
			return batch, nil
		}
	}
}

// Ack is a no-op: an in-process message is gone once received.
func (q *Queue) Ack(context.Context, transport.Message) error {
	return nil
}
