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

// Package severity decides how loud a new drift event should be.
package severity

import (
	"strings"

	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// Policy derives the severity of a new drift event from the service the
// instance belongs to and the environment it runs in.
type Policy interface {
	For(service *v1.ApplicationService, environment string) v1.DriftSeverity
}

var stagingEnvs = []string{"staging", "stage"}

// EnvironmentPolicy grades drift by blast radius: production environments are
// CRITICAL, staging HIGH, everything else MEDIUM. A well-formed
// drift-severity service tag wins over all of it.
type EnvironmentPolicy struct {
	productionEnvs []string
}

func NewEnvironmentPolicy(productionEnvs ...string) *EnvironmentPolicy {
	if len(productionEnvs) == 0 {
		productionEnvs = []string{"prod", "production"}
	}
	return &EnvironmentPolicy{
		productionEnvs: lo.Map(productionEnvs, func(env string, _ int) string { return strings.ToLower(env) }),
	}
}

func (p *EnvironmentPolicy) For(service *v1.ApplicationService, environment string) v1.DriftSeverity {
	if service != nil {
		if override, ok := service.SeverityOverride(); ok {
			return override
		}
	}
	env := strings.ToLower(environment)
	switch {
	case lo.Contains(p.productionEnvs, env):
		return v1.SeverityCritical
	case lo.Contains(stagingEnvs, env):
		return v1.SeverityHigh
	default:
		return v1.SeverityMedium
	}
}
