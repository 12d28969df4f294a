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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// InstanceOptions customizes a ServiceInstance.
type InstanceOptions struct {
	ID              v1.InstanceID
	ServiceID       v1.ServiceID
	ServiceName     string
	TeamID          v1.TeamID
	Host            string
	Port            int
	Environment     string
	Version         string
	ExpectedHash    string
	ConfigHash      string
	LastAppliedHash string
	Status          v1.InstanceStatus
	HasDrift        bool
	DriftDetectedAt *time.Time
	LastSeenAt      time.Time
}

// Instance creates a test instance with defaults that can be overridden by
// InstanceOptions.
func Instance(overrides ...InstanceOptions) *v1.ServiceInstance {
	options := InstanceOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge instance options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = v1.InstanceID(strings.ToLower(randomdata.SillyName()) + "-" + randomdata.Alphanumeric(6))
	}
	if options.ServiceID == "" {
		options.ServiceID = v1.ServiceID(strings.ToLower(randomdata.SillyName()))
	}
	if options.ServiceName == "" {
		options.ServiceName = string(options.ServiceID)
	}
	if options.Host == "" {
		options.Host = randomdata.IpV4Address()
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Environment == "" {
		options.Environment = "prod"
	}
	if options.Status == "" {
		options.Status = v1.InstanceHealthy
	}
	if options.ExpectedHash == "" {
		options.ExpectedHash = Hash("expected")
	}
	if options.ConfigHash == "" {
		options.ConfigHash = options.ExpectedHash
	}
	return &v1.ServiceInstance{
		ID:              options.ID,
		ServiceID:       options.ServiceID,
		ServiceName:     options.ServiceName,
		TeamID:          options.TeamID,
		Host:            options.Host,
		Port:            options.Port,
		Environment:     options.Environment,
		Version:         options.Version,
		ExpectedHash:    options.ExpectedHash,
		ConfigHash:      options.ConfigHash,
		LastAppliedHash: options.LastAppliedHash,
		Status:          options.Status,
		HasDrift:        options.HasDrift,
		DriftDetectedAt: options.DriftDetectedAt,
		LastSeenAt:      options.LastSeenAt,
	}
}

// DriftedInstance creates an instance whose reported hash disagrees with its
// expected hash.
func DriftedInstance(overrides ...InstanceOptions) *v1.ServiceInstance {
	instance := Instance(overrides...)
	instance.ConfigHash = Hash("applied-" + string(instance.ID))
	instance.Status = v1.InstanceDrift
	instance.HasDrift = true
	return instance
}

// Hash derives a deterministic config hash from a seed string.
func Hash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
