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
	"fmt"
	"time"

	"github.com/samber/lo"
)

// DriftStatus is the review state of a drift event.
type DriftStatus string

const (
	DriftDetected     DriftStatus = "DETECTED"
	DriftAcknowledged DriftStatus = "ACKNOWLEDGED"
	DriftResolving    DriftStatus = "RESOLVING"
	DriftResolved     DriftStatus = "RESOLVED"
	DriftIgnored      DriftStatus = "IGNORED"
)

// Open reports whether the event still needs attention. RESOLVED and IGNORED
// are terminal.
func (s DriftStatus) Open() bool {
	return s == DriftDetected || s == DriftAcknowledged || s == DriftResolving
}

type DriftSeverity string

const (
	SeverityCritical DriftSeverity = "CRITICAL"
	SeverityHigh     DriftSeverity = "HIGH"
	SeverityMedium   DriftSeverity = "MEDIUM"
	SeverityLow      DriftSeverity = "LOW"
)

func (s DriftSeverity) Valid() bool {
	return lo.Contains([]DriftSeverity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}, s)
}

// DriftEvent is an immutable record of one detected divergence between an
// instance's expected and applied config. Detection facts never change after
// insert; only the review state (status, resolution) moves.
type DriftEvent struct {
	ID          string     `json:"id" db:"id"`
	ServiceID   ServiceID  `json:"serviceId" db:"service_id"`
	ServiceName string     `json:"serviceName" db:"service_name"`
	InstanceID  InstanceID `json:"instanceId" db:"instance_id"`
	TeamID      TeamID     `json:"teamId,omitempty" db:"team_id"`
	Environment string     `json:"environment,omitempty" db:"environment"`

	ExpectedHash string `json:"expectedHash" db:"expected_hash"`
	AppliedHash  string `json:"appliedHash" db:"applied_hash"`

	Severity DriftSeverity `json:"severity" db:"severity"`
	Status   DriftStatus   `json:"status" db:"status"`

	DetectedAt time.Time `json:"detectedAt" db:"detected_at"`
	DetectedBy string    `json:"detectedBy,omitempty" db:"detected_by"`

	ResolvedAt *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy string     `json:"resolvedBy,omitempty" db:"resolved_by"`
	Notes      string     `json:"notes,omitempty" db:"notes"`

	// DedupKey makes event insertion idempotent across redelivered
	// heartbeats: serviceName/instanceId/detectedAt truncated to millis.
	DedupKey string `json:"-" db:"dedup_key"`
}

// DriftDedupKey builds the idempotency key for a detection at the given time.
func DriftDedupKey(serviceName string, instanceID InstanceID, detectedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%d", serviceName, instanceID, detectedAt.UnixMilli())
}
