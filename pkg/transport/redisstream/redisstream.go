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

// Package redisstream carries heartbeat reports over a Redis Stream with a
// consumer group. Entries are acked only after the pipeline accepted them;
// entries a consumer died on are reclaimed once their idle time passes the
// reclaim threshold.
package redisstream

import (
	"context"
	stderrors "errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/resilience"
	"github.com/driftplane/driftplane/pkg/transport"
)

const (
	DefaultStream = "driftplane.heartbeats"
	DefaultGroup  = "driftplane"
	// DefaultMaxLen caps the stream approximately; an unconsumed backlog
	// trims oldest-first instead of growing without bound.
	DefaultMaxLen       = 1 << 20
	DefaultCount        = 256
	DefaultBlock        = 5 * time.Second
	DefaultReclaimAfter = time.Minute

	bodyField = "body"
)

// Options tunes the consumer side. Zero values take the defaults above; the
// consumer name defaults to the hostname so pending-entry ownership survives
// a restart of the same box.
type Options struct {
	Stream       string
	Group        string
	Consumer     string
	Count        int64
	Block        time.Duration
	ReclaimAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = DefaultStream
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Consumer == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			o.Consumer = hostname
		} else {
			o.Consumer = uuid.NewString()
		}
	}
	if o.Count <= 0 {
		o.Count = DefaultCount
	}
	if o.Block <= 0 {
		o.Block = DefaultBlock
	}
	if o.ReclaimAfter <= 0 {
		o.ReclaimAfter = DefaultReclaimAfter
	}
	return o
}

// Source implements transport.Source over XREADGROUP.
type Source struct {
	client  redis.UniversalClient
	options Options
}

// NewSource ensures the consumer group exists (creating the stream with it)
// and returns the source. An already-existing group is not an error.
func NewSource(ctx context.Context, client redis.UniversalClient, options Options) (*Source, error) {
	const op = "redisstream.NewSource"
	options = options.withDefaults()
	// Start at "0" so entries published before the first consumer came up
	// still get delivered.
	if err := client.XGroupCreateMkStream(ctx, options.Stream, options.Group, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "group_create_failed", err)
	}
	return &Source{client: client, options: options}, nil
}

// Receive first reclaims entries another consumer died on, then blocks for
// new ones. The block time never exceeds what remains of the caller's
// deadline. An empty return with nil error is a normal idle poll.
func (s *Source) Receive(ctx context.Context) ([]transport.Message, error) {
	const op = "redisstream.Receive"
	if err := resilience.CheckBudget(ctx, op, 10*time.Millisecond); err != nil {
		return nil, err
	}
	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.options.Stream,
		Group:    s.options.Group,
		Consumer: s.options.Consumer,
		MinIdle:  s.options.ReclaimAfter,
		Start:    "0",
		Count:    s.options.Count,
	}).Result()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "claim_failed", err)
	}
	if len(claimed) > 0 {
		return s.convert(claimed), nil
	}

	block := s.options.Block
	if remaining, ok := resilience.Remaining(ctx); ok && remaining < block {
		block = remaining
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.options.Group,
		Consumer: s.options.Consumer,
		Streams:  []string{s.options.Stream, ">"},
		Count:    s.options.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.DeadlineExceeded, op, "receive_canceled", ctx.Err())
		}
		return nil, errors.Wrap(errors.BackendUnavailable, op, "read_failed", err)
	}
	var messages []transport.Message
	for _, stream := range streams {
		messages = append(messages, s.convert(stream.Messages)...)
	}
	return messages, nil
}

func (s *Source) convert(entries []redis.XMessage) []transport.Message {
	messages := make([]transport.Message, 0, len(entries))
	for _, entry := range entries {
		body, _ := entry.Values[bodyField].(string)
		messages = append(messages, transport.Message{
			ID:         entry.ID,
			Body:       []byte(body),
			ReceivedAt: receivedAt(entry.ID),
		})
	}
	return messages
}

// Ack removes the entry from the group's pending list. Without it the entry
// comes back through the reclaim path.
func (s *Source) Ack(ctx context.Context, msg transport.Message) error {
	const op = "redisstream.Ack"
	if err := s.client.XAck(ctx, s.options.Stream, s.options.Group, msg.ID).Err(); err != nil {
		return errors.Wrap(errors.BackendUnavailable, op, "ack_failed", err)
	}
	return nil
}

// receivedAt extracts the server-assigned arrival time from a stream entry
// ID ("<unix-millis>-<sequence>").
func receivedAt(id string) time.Time {
	millis, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// Publisher appends reports to the stream.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewPublisher(client redis.UniversalClient, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends one report body and returns the server-assigned entry ID.
func (p *Publisher) Publish(ctx context.Context, body []byte) (string, error) {
	const op = "redisstream.Publish"
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{bodyField: body},
	}).Result()
	if err != nil {
		return "", errors.Wrap(errors.BackendUnavailable, op, "publish_failed", err)
	}
	return id, nil
}
