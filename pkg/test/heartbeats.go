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
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// HeartbeatOptions customizes a HeartbeatReport.
type HeartbeatOptions struct {
	ServiceName string
	InstanceID  string
	ConfigHash  string
	Host        string
	Port        int
	Environment string
	Version     string
	Metadata    map[string]string
	ReceivedAt  time.Time
}

// Heartbeat creates a test heartbeat report with defaults that can be
// overridden by HeartbeatOptions.
func Heartbeat(overrides ...HeartbeatOptions) *v1.HeartbeatReport {
	options := HeartbeatOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge heartbeat options: %s", err.Error()))
		}
	}
	if options.ServiceName == "" {
		options.ServiceName = strings.ToLower(randomdata.SillyName())
	}
	if options.InstanceID == "" {
		options.InstanceID = strings.ToLower(randomdata.SillyName()) + "-" + randomdata.Alphanumeric(6)
	}
	if options.ConfigHash == "" {
		options.ConfigHash = Hash("config-" + options.InstanceID)
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
	return &v1.HeartbeatReport{
		ServiceName: options.ServiceName,
		InstanceID:  options.InstanceID,
		ConfigHash:  options.ConfigHash,
		Host:        options.Host,
		Port:        options.Port,
		Environment: options.Environment,
		Version:     options.Version,
		Metadata:    options.Metadata,
		ReceivedAt:  options.ReceivedAt,
	}
}
