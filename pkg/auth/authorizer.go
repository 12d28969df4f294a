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

package auth

import (
	"context"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/repository"
)

// ServiceAuthorizer answers authorization questions by service ID, resolving
// the record on demand. Callers that already hold the service use the
// evaluator directly; the KV facade only ever sees IDs, so it goes through
// here.
type ServiceAuthorizer struct {
	evaluator *Evaluator
	services  repository.Services
}

func NewServiceAuthorizer(evaluator *Evaluator, services repository.Services) *ServiceAuthorizer {
	return &ServiceAuthorizer{evaluator: evaluator, services: services}
}

// Authorize resolves the service and evaluates the permission against it.
// An unknown service surfaces as NotFound rather than Forbidden so callers
// can tell a bad ID from a missing grant.
func (a *ServiceAuthorizer) Authorize(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, action v1.Permission, environment string) error {
	service, err := a.services.FindByID(ctx, serviceID)
	if err != nil {
		return err
	}
	return a.evaluator.Authorize(ctx, actor, action, Resource{Service: service, Environment: environment})
}
