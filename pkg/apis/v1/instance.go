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

// InstanceStatus is the reported health of a single service instance.
// UNKNOWN is reserved for instances that stopped heartbeating.
type InstanceStatus string

const (
	InstanceHealthy   InstanceStatus = "HEALTHY"
	InstanceUnhealthy InstanceStatus = "UNHEALTHY"
	InstanceDrift     InstanceStatus = "DRIFT"
	InstanceUnknown   InstanceStatus = "UNKNOWN"
)

// ServiceInstance is the control plane's record of one running copy of a
// service, updated from heartbeats and from expected-config rollouts.
//
// ServiceName and TeamID are denormalized: heartbeats address instances by
// service name, and authorization-scoped listings filter on the owning team
// without joining through the service row.
type ServiceInstance struct {
	ID          InstanceID `json:"id" db:"id"`
	ServiceID   ServiceID  `json:"serviceId" db:"service_id"`
	ServiceName string     `json:"serviceName" db:"service_name"`
	TeamID      TeamID     `json:"teamId,omitempty" db:"team_id"`
	Host        string     `json:"host,omitempty" db:"host"`
	Port        int        `json:"port,omitempty" db:"port"`
	Environment string     `json:"environment,omitempty" db:"environment"`
	Version     string     `json:"version,omitempty" db:"version"`

	// ExpectedHash is the hash of the canonical config snapshot the control
	// plane expects the instance to run. Empty until the expectation
	// controller has computed one.
	ExpectedHash string `json:"expectedHash,omitempty" db:"expected_hash"`
	// ConfigHash is the hash the instance last reported.
	ConfigHash string `json:"configHash,omitempty" db:"config_hash"`
	// LastAppliedHash is the previous reported hash, kept for drift event
	// provenance.
	LastAppliedHash string `json:"lastAppliedHash,omitempty" db:"last_applied_hash"`

	Status          InstanceStatus `json:"status" db:"status"`
	HasDrift        bool           `json:"hasDrift" db:"has_drift"`
	DriftDetectedAt *time.Time     `json:"driftDetectedAt,omitempty" db:"drift_detected_at"`

	LastSeenAt time.Time `json:"lastSeenAt" db:"last_seen_at"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

// Drifted reports whether the instance's reported config diverges from the
// expectation. Either hash being absent means "cannot tell", not drift.
func (i *ServiceInstance) Drifted() bool {
	return i.ExpectedHash != "" && i.ConfigHash != "" && i.ExpectedHash != i.ConfigHash
}

// ApplyDrift recomputes HasDrift, Status and DriftDetectedAt from the current
// hash pair. It returns (entered, left): whether the instance newly entered or
// newly left drift. DriftDetectedAt is only stamped on entry and only cleared
// on exit, so the timestamp of the original detection survives repeat
// heartbeats while drifted.
func (i *ServiceInstance) ApplyDrift(now time.Time) (entered bool, left bool) {
	drifted := i.Drifted()
	switch {
	case drifted && !i.HasDrift:
		i.HasDrift = true
		i.Status = InstanceDrift
		t := now
		i.DriftDetectedAt = &t
		return true, false
	case !drifted && i.HasDrift:
		i.HasDrift = false
		if i.Status == InstanceDrift {
			i.Status = InstanceHealthy
		}
		i.DriftDetectedAt = nil
		return false, true
	case drifted:
		i.Status = InstanceDrift
	}
	return false, false
}
