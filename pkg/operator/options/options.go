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

// Package options holds the runtime configuration of the control plane.
// Precedence from strongest to weakest: command-line flag, environment
// variable, config-file key, built-in default.
package options

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/driftplane/driftplane/pkg/utils/env"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config store backends.
const (
	KVBackendConsul = "consul"
	KVBackendEtcd   = "etcd"
)

// Options for running this binary.
type Options struct {
	*flag.FlagSet `validate:"-"`

	// Runtime
	MetricsPort     int    `validate:"min=1,max=65535"`
	HealthProbePort int    `validate:"min=1,max=65535,nefield=MetricsPort"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	ConfigFile      string

	// Storage
	Storage     string `validate:"oneof=memory postgres"`
	PostgresDSN string

	// Config store
	KVBackend        string        `validate:"oneof=consul etcd"`
	ConsulAddress    string
	EtcdEndpoints    string
	KVConnectTimeout time.Duration `validate:"gt=0"`
	KVReadTimeout    time.Duration `validate:"gt=0"`

	// Heartbeat ingestion
	RedisAddress       string
	BatchMaxSize       int           `validate:"min=1"`
	BatchMaxDelay      time.Duration `validate:"gt=0"`
	BatchQueueDepth    int           `validate:"min=0"`
	StalenessThreshold time.Duration `validate:"gt=0"`

	// Approval
	ApprovalMaxRetries int `validate:"min=1"`

	// Resilience
	FallbackCacheTTL time.Duration `validate:"gt=0"`

	// Severity
	ProductionEnvironments string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("driftplane", flag.ContinueOnError)
	opts.FlagSet = f

	// Runtime
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the control plane itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting control plane health")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "The minimum level emitted by the logger, one of debug, info, warn or error")
	f.StringVar(&opts.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Path to a TOML file whose keys pre-populate option defaults. Flags and environment variables win over file keys.")

	// Storage
	f.StringVar(&opts.Storage, "storage", env.WithDefaultString("STORAGE", StorageMemory), "The repository backend, either memory or postgres. Memory keeps all records in-process and is meant for development.")
	f.StringVar(&opts.PostgresDSN, "postgres-dsn", env.WithDefaultString("POSTGRES_DSN", ""), "The postgres connection string, required when storage is postgres")

	// Config store
	f.StringVar(&opts.KVBackend, "kv-backend", env.WithDefaultString("KV_BACKEND", KVBackendConsul), "The authoritative config store backend, either consul or etcd")
	f.StringVar(&opts.ConsulAddress, "consul-address", env.WithDefaultString("CONSUL_ADDRESS", "127.0.0.1:8500"), "The address of the consul agent when the consul backend is selected")
	f.StringVar(&opts.EtcdEndpoints, "etcd-endpoints", env.WithDefaultString("ETCD_ENDPOINTS", "127.0.0.1:2379"), "Comma-separated etcd endpoints when the etcd backend is selected")
	f.DurationVar(&opts.KVConnectTimeout, "kv-connect-timeout", env.WithDefaultDuration("KV_CONNECT_TIMEOUT", 2*time.Second), "How long to wait for the config store connection to come up")
	f.DurationVar(&opts.KVReadTimeout, "kv-read-timeout", env.WithDefaultDuration("KV_READ_TIMEOUT", 5*time.Second), "The per-call ceiling for config store reads that carry no caller deadline")

	// Heartbeat ingestion
	f.StringVar(&opts.RedisAddress, "redis-address", env.WithDefaultString("REDIS_ADDRESS", ""), "The redis address heartbeats stream in from. Empty runs the in-process queue only.")
	f.IntVar(&opts.BatchMaxSize, "batch-max-size", env.WithDefaultInt("BATCH_MAX_SIZE", 500), "The most heartbeats a single ingestion window may hold before it is flushed")
	f.DurationVar(&opts.BatchMaxDelay, "batch-max-delay", env.WithDefaultDuration("BATCH_MAX_DELAY", 200*time.Millisecond), "How long an ingestion window may stay open waiting for more heartbeats")
	f.IntVar(&opts.BatchQueueDepth, "batch-queue-depth", env.WithDefaultInt("BATCH_QUEUE_DEPTH", 10000), "The most heartbeats waiting on the batcher before new submissions are shed. Zero disables the bound.")
	f.DurationVar(&opts.StalenessThreshold, "instance-staleness-threshold", env.WithDefaultDuration("INSTANCE_STALENESS_THRESHOLD", 2*time.Minute), "How long an instance may stay silent before the sweeper flips it to unknown")

	// Approval
	f.IntVar(&opts.ApprovalMaxRetries, "approval-max-retries", env.WithDefaultInt("APPROVAL_MAX_RETRIES", 5), "The most attempts an approval transition makes against version conflicts before giving up")

	// Resilience
	f.DurationVar(&opts.FallbackCacheTTL, "fallback-cache-ttl", env.WithDefaultDuration("FALLBACK_CACHE_TTL", 5*time.Minute), "How long a last-known-good config entry may be served while the backend is down")

	// Severity
	f.StringVar(&opts.ProductionEnvironments, "production-environments", env.WithDefaultString("PRODUCTION_ENVIRONMENTS", "prod,production"), "Comma-separated environment names graded as production when deriving drift severity")
	return opts
}

// ParseArgs parses the supplied command line, overlays the config file when
// one is named, and validates the result.
func (o *Options) ParseArgs(args ...string) error {
	if err := o.Parse(args); err != nil {
		return err
	}
	if o.ConfigFile != "" {
		if err := o.overlayFile(o.ConfigFile); err != nil {
			return err
		}
	}
	return o.Validate()
}

// MustParse reads the user passed flags, environment variables, config file
// and default values. Options are validated and panic if an error is returned.
func (o *Options) MustParse() *Options {
	err := o.ParseArgs(os.Args[1:]...)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	return o
}

// ProductionEnvs returns the production environment names as a list.
func (o *Options) ProductionEnvs() []string {
	return env.SplitList(o.ProductionEnvironments)
}

// EtcdEndpointList returns the etcd endpoints as a list.
func (o *Options) EtcdEndpointList() []string {
	return env.SplitList(o.EtcdEndpoints)
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext returns the options the process was started with. Options are
// injected once at startup, so a missing value is a developer error.
func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
