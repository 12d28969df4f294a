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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/driftplane/driftplane/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Classification", func() {
	It("should classify constructed errors", func() {
		err := errors.New(errors.NotFound, "registry.GetService", "service_not_found", "service %q not found", "billing")
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(errors.IsConflict(err)).To(BeFalse())
		Expect(errors.CategoryOf(err)).To(Equal(errors.NotFound))
		Expect(errors.CodeOf(err)).To(Equal("service_not_found"))
		Expect(err.Error()).To(Equal(`registry.GetService: service "billing" not found`))
	})
	It("should classify through wrapping", func() {
		cause := fmt.Errorf("dial tcp: connection refused")
		err := errors.Wrap(errors.BackendUnavailable, "kv.Get", "kv_unreachable", cause)
		wrapped := fmt.Errorf("loading expected config, %w", err)
		Expect(errors.IsBackendUnavailable(wrapped)).To(BeTrue())
		Expect(stderrors.Is(wrapped, cause)).To(BeTrue())
	})
	It("should return nil when wrapping nil", func() {
		Expect(errors.Wrap(errors.Conflict, "op", "code", nil)).To(BeNil())
	})
	It("should treat unclassified errors as unknown", func() {
		err := fmt.Errorf("something broke")
		Expect(errors.CategoryOf(err)).To(Equal(errors.Category("")))
		Expect(errors.IsNotFound(err)).To(BeFalse())
	})
	It("should only retry backend unavailability", func() {
		Expect(errors.IsRetryable(errors.New(errors.BackendUnavailable, "op", "code", "down"))).To(BeTrue())
		for _, category := range []errors.Category{
			errors.InvalidArgument, errors.NotFound, errors.Conflict,
			errors.Forbidden, errors.DeadlineExceeded, errors.Overloaded,
		} {
			Expect(errors.IsRetryable(errors.New(category, "op", "code", "nope"))).To(BeFalse(), string(category))
		}
	})
	It("should ignore not found", func() {
		Expect(errors.IgnoreNotFound(errors.New(errors.NotFound, "op", "code", "gone"))).To(Succeed())
		Expect(errors.IgnoreNotFound(errors.New(errors.Conflict, "op", "code", "raced"))).ToNot(Succeed())
	})
})
