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

package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/batcher"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/transport"
)

const DefaultWorkers = 10

// Controller drains a transport source into the heartbeat batcher. It
// validates and decodes the wire shape, stamps the transport's receive time,
// and acks by outcome: accepted and permanently-rejected messages are acked,
// retryable failures leave the message for redelivery.
type Controller struct {
	source   transport.Source
	batcher  *batcher.HeartbeatBatcher
	validate *validator.Validate
	workers  int
}

func NewController(source transport.Source, hb *batcher.HeartbeatBatcher, workers int) *Controller {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Controller{
		source:   source,
		batcher:  hb,
		validate: validator.New(),
		workers:  workers,
	}
}

func (c *Controller) Name() string {
	return "heartbeat.ingestion"
}

func (c *Controller) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		messages, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logr.FromContextOrDiscard(ctx).Error(err, "receiving heartbeats")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.drain(ctx, messages)
	}
}

// drain submits every message of one receive in parallel. A message failure
// never cancels its siblings; each settles its own ack.
func (c *Controller) drain(ctx context.Context, messages []transport.Message) {
	var group errgroup.Group
	group.SetLimit(c.workers)
	for _, msg := range messages {
		msg := msg
		group.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}
	group.Wait() //nolint:errcheck
}

func (c *Controller) handle(ctx context.Context, msg transport.Message) {
	logger := logr.FromContextOrDiscard(ctx)
	report, err := c.decode(msg)
	if err != nil {
		// Poison messages must not loop
		logger.Error(err, "rejecting heartbeat", "message", msg.ID)
		heartbeatsDropped.WithLabelValues("malformed").Inc()
		c.ack(ctx, msg)
		return
	}
	_, err = c.batcher.Submit(ctx, report)
	switch {
	case err == nil:
		c.ack(ctx, msg)
	case errors.IsNotFound(err) || errors.IsConflict(err):
		// The report can never succeed, so redelivering it buys nothing
		logger.Error(err, "discarding heartbeat", "message", msg.ID)
		c.ack(ctx, msg)
	default:
		logger.Error(err, "heartbeat not processed, leaving for redelivery", "message", msg.ID)
	}
}

func (c *Controller) decode(msg transport.Message) (*v1.HeartbeatReport, error) {
	const op = "heartbeat.decode"
	report := &v1.HeartbeatReport{}
	if err := json.Unmarshal(msg.Body, report); err != nil {
		return nil, errors.Wrap(errors.InvalidArgument, op, "malformed_payload", err)
	}
	if err := c.validate.Struct(report); err != nil {
		return nil, errors.Wrap(errors.InvalidArgument, op, "invalid_report", err)
	}
	report.ReceivedAt = msg.ReceivedAt
	return report, nil
}

func (c *Controller) ack(ctx context.Context, msg transport.Message) {
	if err := c.source.Ack(ctx, msg); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "acking heartbeat", "message", msg.ID)
	}
}
