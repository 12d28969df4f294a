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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// DriftEventOptions customizes a DriftEvent.
type DriftEventOptions struct {
	ID          string
	ServiceID   v1.ServiceID
	ServiceName string
	InstanceID  v1.InstanceID
	TeamID      v1.TeamID
	Environment string
	Severity    v1.DriftSeverity
	Status      v1.DriftStatus
	DetectedAt  time.Time
	DetectedBy  string
}

// DriftEvent creates a test drift event with defaults that can be overridden
// by DriftEventOptions.
func DriftEvent(overrides ...DriftEventOptions) *v1.DriftEvent {
	options := DriftEventOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge drift event options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.ServiceID == "" {
		options.ServiceID = v1.ServiceID(strings.ToLower(randomdata.SillyName()))
	}
	if options.ServiceName == "" {
		options.ServiceName = string(options.ServiceID)
	}
	if options.InstanceID == "" {
		options.InstanceID = v1.InstanceID(strings.ToLower(randomdata.SillyName()) + "-" + randomdata.Alphanumeric(6))
	}
	if options.Environment == "" {
		options.Environment = "prod"
	}
	if options.Severity == "" {
		options.Severity = v1.SeverityMedium
	}
	if options.Status == "" {
		options.Status = v1.DriftDetected
	}
	if options.DetectedAt.IsZero() {
		options.DetectedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if options.DetectedBy == "" {
		options.DetectedBy = "heartbeat-pipeline"
	}
	return &v1.DriftEvent{
		ID:           options.ID,
		ServiceID:    options.ServiceID,
		ServiceName:  options.ServiceName,
		InstanceID:   options.InstanceID,
		TeamID:       options.TeamID,
		Environment:  options.Environment,
		ExpectedHash: Hash("expected-" + string(options.InstanceID)),
		AppliedHash:  Hash("applied-" + string(options.InstanceID)),
		Severity:     options.Severity,
		Status:       options.Status,
		DetectedAt:   options.DetectedAt,
		DetectedBy:   options.DetectedBy,
		DedupKey:     v1.DriftDedupKey(options.ServiceName, options.InstanceID, options.DetectedAt),
	}
}
