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

package options

import (
	stderrors "errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var validate = validator.New()

// Validate reports every invalid option at once so a bad deployment manifest
// is fixed in one pass, not one restart per mistake.
func (o Options) Validate() (errs error) {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = multierr.Append(errs, fmt.Errorf("invalid %s, failed %q", fe.Field(), fe.Tag()))
			}
		} else {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, o.validateStorage())
	errs = multierr.Append(errs, o.validateKVBackend())
	return errs
}

func (o Options) validateStorage() error {
	if o.Storage == StoragePostgres && o.PostgresDSN == "" {
		return fmt.Errorf("postgres storage needs --postgres-dsn")
	}
	return nil
}

func (o Options) validateKVBackend() error {
	switch o.KVBackend {
	case KVBackendConsul:
		if o.ConsulAddress == "" {
			return fmt.Errorf("consul backend needs --consul-address")
		}
	case KVBackendEtcd:
		if len(o.EtcdEndpointList()) == 0 {
			return fmt.Errorf("etcd backend needs --etcd-endpoints")
		}
	}
	return nil
}
