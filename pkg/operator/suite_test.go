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

package operator_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/driftplane/driftplane/pkg/controllers"
	"github.com/driftplane/driftplane/pkg/operator"
	"github.com/driftplane/driftplane/pkg/operator/options"
)

var ctx context.Context

func TestOperator(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Operator")
}

var _ = Describe("Operator", func() {
	var opts *options.Options

	BeforeEach(func() {
		opts = options.New()
		Expect(opts.ParseArgs()).To(Succeed())
	})

	It("should assemble the full graph on memory storage", func() {
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()
		Expect(op.Store).ToNot(BeNil())
		Expect(op.KV.Name()).To(Equal("consul"))
		Expect(op.Evaluator).ToNot(BeNil())
		Expect(op.Registry).ToNot(BeNil())
		Expect(op.Approvals).ToNot(BeNil())
		Expect(op.Facade).ToNot(BeNil())
		Expect(op.Severity).ToNot(BeNil())
	})

	It("should serve heartbeats off the in-process queue when redis is not configured", func() {
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()
		Expect(op.Queue).ToNot(BeNil())
		Expect(op.Source).To(BeIdenticalTo(op.Queue))
	})

	It("should read heartbeats from redis when an address is configured", func() {
		mr, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		defer mr.Close()

		opts = options.New()
		Expect(opts.ParseArgs("--redis-address", mr.Addr())).To(Succeed())
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()
		Expect(op.Queue).To(BeNil())
		Expect(op.Source).ToNot(BeNil())
	})

	It("should pick the etcd backend when told to", func() {
		opts = options.New()
		Expect(opts.ParseArgs("--kv-backend", "etcd")).To(Succeed())
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()
		Expect(op.KV.Name()).To(Equal("etcd"))
	})

	It("should refuse readiness while the config store is unreachable", func() {
		opts = options.New()
		Expect(opts.ParseArgs("--consul-address", "127.0.0.1:1", "--kv-connect-timeout", "200ms")).To(Succeed())
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()
		Expect(op.Ready(ctx)).ToNot(Succeed())
	})

	It("should assemble every control loop", func() {
		op, err := operator.NewOperator(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		defer op.Close()

		runCtx, cancel := context.WithCancel(options.ToContext(ctx, opts))
		defer cancel()
		loops := operator.NewControllers(runCtx, op)
		names := lo.Map(loops, func(c controllers.Controller, _ int) string { return c.Name() })
		Expect(names).To(ConsistOf("heartbeat.ingestion", "expectation.rebuild", "instance.staleness", "audit.retention"))
	})
})
