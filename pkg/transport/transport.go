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

// Package transport carries heartbeat reports from producers to the
// ingestion controller. The control plane does not define a wire protocol of
// its own; adapters bridge whatever moves the bytes into this port.
package transport

import (
	"context"
	"time"
)

// Message is one opaque payload off a source. ReceivedAt is stamped by the
// adapter at the moment the transport first saw the message, not when the
// pipeline got around to it.
type Message struct {
	ID         string
	Body       []byte
	ReceivedAt time.Time
}

// Source hands messages to the ingestion controller. Receive blocks until at
// least one message is available or the context ends; messages stay owned by
// the source until acked, so a crashed consumer sees them again.
type Source interface {
	Receive(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}
