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
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the recognized keys of the TOML overlay. Integer
// durations carry the Ms suffix and are given in milliseconds. Absent keys
// leave the parsed option alone.
type fileConfig struct {
	Heartbeat struct {
		Batch struct {
			MaxSize    *int `toml:"maxSize"`
			MaxDelayMs *int `toml:"maxDelayMs"`
		} `toml:"batch"`
		Instance struct {
			StalenessMs *int `toml:"stalenessMs"`
		} `toml:"instance"`
	} `toml:"heartbeat"`
	Approval struct {
		MaxRetries *int `toml:"maxRetries"`
	} `toml:"approval"`
	KV struct {
		Backend          *string `toml:"backend"`
		ConnectTimeoutMs *int    `toml:"connectTimeoutMs"`
		ReadTimeoutMs    *int    `toml:"readTimeoutMs"`
	} `toml:"kv"`
	Resilience struct {
		FallbackCacheTTLMs *int `toml:"fallbackCacheTtlMs"`
	} `toml:"resilience"`
	Severity struct {
		ProductionEnvs []string `toml:"productionEnvs"`
	} `toml:"severity"`
}

// overlayFile folds file keys into the options. A key only lands when
// neither the command line nor the environment already set the option.
func (o *Options) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file, %w", err)
	}
	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s, %w", path, err)
	}

	visited := map[string]bool{}
	o.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })
	overridable := func(name, envKey string) bool {
		if visited[name] {
			return false
		}
		_, set := os.LookupEnv(envKey)
		return !set
	}

	if v := file.Heartbeat.Batch.MaxSize; v != nil && overridable("batch-max-size", "BATCH_MAX_SIZE") {
		o.BatchMaxSize = *v
	}
	if v := file.Heartbeat.Batch.MaxDelayMs; v != nil && overridable("batch-max-delay", "BATCH_MAX_DELAY") {
		o.BatchMaxDelay = time.Duration(*v) * time.Millisecond
	}
	if v := file.Heartbeat.Instance.StalenessMs; v != nil && overridable("instance-staleness-threshold", "INSTANCE_STALENESS_THRESHOLD") {
		o.StalenessThreshold = time.Duration(*v) * time.Millisecond
	}
	if v := file.Approval.MaxRetries; v != nil && overridable("approval-max-retries", "APPROVAL_MAX_RETRIES") {
		o.ApprovalMaxRetries = *v
	}
	if v := file.KV.Backend; v != nil && overridable("kv-backend", "KV_BACKEND") {
		o.KVBackend = *v
	}
	if v := file.KV.ConnectTimeoutMs; v != nil && overridable("kv-connect-timeout", "KV_CONNECT_TIMEOUT") {
		o.KVConnectTimeout = time.Duration(*v) * time.Millisecond
	}
	if v := file.KV.ReadTimeoutMs; v != nil && overridable("kv-read-timeout", "KV_READ_TIMEOUT") {
		o.KVReadTimeout = time.Duration(*v) * time.Millisecond
	}
	if v := file.Resilience.FallbackCacheTTLMs; v != nil && overridable("fallback-cache-ttl", "FALLBACK_CACHE_TTL") {
		o.FallbackCacheTTL = time.Duration(*v) * time.Millisecond
	}
	if v := file.Severity.ProductionEnvs; v != nil && overridable("production-environments", "PRODUCTION_ENVIRONMENTS") {
		o.ProductionEnvironments = strings.Join(v, ",")
	}
	return nil
}
