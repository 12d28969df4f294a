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

package v1

import (
	"time"
)

// HeartbeatReport is one liveness-plus-config report from a running instance.
// ReceivedAt is stamped by the transport on arrival and is the ordering
// authority for reports about the same instance; the payload carries no
// trusted clock.
type HeartbeatReport struct {
	ServiceName string `json:"serviceName" validate:"required,max=200"`
	InstanceID  string `json:"instanceId" validate:"required,max=100"`
	// ConfigHash is the lowercase hex SHA-256 of the instance's canonical
	// config snapshot. Optional: agents report liveness before their first
	// snapshot settles.
	ConfigHash  string            `json:"configHash,omitempty" validate:"omitempty,len=64,hexadecimal,lowercase"`
	Host        string            `json:"host,omitempty" validate:"omitempty,max=253"`
	Port        int               `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Environment string            `json:"environment,omitempty" validate:"omitempty,max=64"`
	Version     string            `json:"version,omitempty" validate:"omitempty,max=64"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=512"`

	ReceivedAt time.Time `json:"-"`
}

// HeartbeatReceipt is the per-report outcome handed back through the batcher.
type HeartbeatReceipt struct {
	InstanceID InstanceID `json:"instanceId"`
	// Superseded is set when a newer report for the same instance was folded
	// into the same batch, or the store already held a fresher row.
	Superseded    bool `json:"superseded,omitempty"`
	Created       bool `json:"created,omitempty"`
	DriftDetected bool `json:"driftDetected,omitempty"`
	DriftResolved bool `json:"driftResolved,omitempty"`
}
