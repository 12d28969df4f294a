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

// Package heartbeat ingests instance reports: it windows them through the
// batcher, diffs each against the stored instance, detects drift transitions
// and lands the results in two bulk writes.
package heartbeat

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/batcher"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
	"github.com/driftplane/driftplane/pkg/severity"
)

// SystemActor marks writes made by the pipeline itself rather than an
// operator.
const SystemActor = "system"

// Pipeline turns one batch window of heartbeat reports into instance upserts
// and drift events. It is wired as the executor behind the heartbeat batcher
// and can equally be called directly by an embedded producer.
type Pipeline struct {
	store  repository.Store
	policy severity.Policy
	clk    clock.Clock
}

func NewPipeline(store repository.Store, policy severity.Policy, clk clock.Clock) *Pipeline {
	return &Pipeline{
		store:  store,
		policy: policy,
		clk:    clk,
	}
}

// Process handles one window. Within the window only the latest report per
// instance survives; across windows ReceivedAt is authoritative, so a report
// older than the stored LastSeenAt is dropped. Every report gets its own
// result back regardless of how the window as a whole fared.
func (p *Pipeline) Process(ctx context.Context, reports []*v1.HeartbeatReport) []batcher.Result[v1.HeartbeatReceipt] {
	const op = "pipeline.Process"
	results := make([]batcher.Result[v1.HeartbeatReceipt], len(reports))

	winners := map[v1.InstanceID]int{}
	for i, report := range reports {
		if report.ReceivedAt.IsZero() {
			report.ReceivedAt = p.clk.Now()
		}
		id := v1.InstanceID(report.InstanceID)
		prior, seen := winners[id]
		if !seen {
			winners[id] = i
			continue
		}
		// Later arrival wins a timestamp tie
		if report.ReceivedAt.Before(reports[prior].ReceivedAt) {
			heartbeatsDuplicate.Inc()
			results[i] = superseded(id)
			continue
		}
		heartbeatsDuplicate.Inc()
		results[prior] = superseded(id)
		winners[id] = i
	}

	names := lo.Uniq(lo.MapToSlice(winners, func(_ v1.InstanceID, i int) string { return reports[i].ServiceName }))
	services, err := p.store.Services().FindByDisplayNames(ctx, names)
	if err != nil {
		return p.failPending(results, errors.Wrap(errors.BackendUnavailable, op, "service_lookup_failed", err))
	}
	byName := lo.KeyBy(services, func(s *v1.ApplicationService) string { return s.DisplayName })

	priors, err := p.store.Instances().FindByIDs(ctx, lo.Keys(winners))
	if err != nil {
		return p.failPending(results, errors.Wrap(errors.BackendUnavailable, op, "instance_lookup_failed", err))
	}
	byID := lo.KeyBy(priors, func(i *v1.ServiceInstance) v1.InstanceID { return i.ID })

	type resolution struct {
		serviceName string
		instanceID  v1.InstanceID
		at          int // index into reports, for the authoritative timestamp
	}
	var upserts []*v1.ServiceInstance
	var events []*v1.DriftEvent
	var resolutions []resolution

	for id, i := range winners {
		report := reports[i]
		service, known := byName[report.ServiceName]
		if !known {
			unknownServices.Inc()
			results[i] = batcher.Result[v1.HeartbeatReceipt]{Err: errors.New(errors.NotFound, op, "unknown_service",
				"heartbeat names service %q, which is not registered", report.ServiceName)}
			continue
		}
		prior := byID[id]
		if prior == nil && service.Retired() {
			heartbeatsDropped.WithLabelValues("service_retired").Inc()
			results[i] = batcher.Result[v1.HeartbeatReceipt]{Err: errors.New(errors.Conflict, op, "service_retired",
				"service %q is retired and takes no new instances", report.ServiceName)}
			continue
		}
		if prior != nil && report.ReceivedAt.Before(prior.LastSeenAt) {
			heartbeatsDropped.WithLabelValues("stale").Inc()
			results[i] = superseded(id)
			continue
		}

		instance, created := p.target(report, service, prior)
		entered, left := instance.ApplyDrift(report.ReceivedAt)
		upserts = append(upserts, instance)
		if entered {
			events = append(events, p.driftEvent(instance, service, report))
		}
		if left {
			resolutions = append(resolutions, resolution{serviceName: instance.ServiceName, instanceID: id, at: i})
		}
		results[i] = batcher.Result[v1.HeartbeatReceipt]{Output: &v1.HeartbeatReceipt{
			InstanceID:    id,
			Created:       created,
			DriftDetected: entered,
			DriftResolved: left,
		}}
	}
	if len(upserts) == 0 {
		return results
	}

	err = p.store.Tx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Instances().BulkUpsert(ctx, upserts); err != nil {
			return err
		}
		if len(events) > 0 {
			landed, err := tx.DriftEvents().BulkInsert(ctx, events)
			if err != nil {
				return err
			}
			driftEventsCreated.Add(float64(landed.Inserted))
		}
		for _, r := range resolutions {
			closed, err := tx.DriftEvents().ResolveAllOpen(ctx, r.serviceName, r.instanceID, SystemActor, reports[r.at].ReceivedAt)
			if err != nil {
				return err
			}
			driftEventsResolved.Add(float64(closed))
		}
		return nil
	})
	if err != nil {
		return p.failProcessed(results, winners, errors.Wrap(errors.BackendUnavailable, op, "bulk_write_failed", err))
	}
	heartbeatsProcessed.Add(float64(len(upserts)))
	return results
}

// target computes the post-heartbeat instance state. Optional report fields
// update the record only when set; hashes always move, since an instance
// ceasing to report a hash is itself a state change.
func (p *Pipeline) target(report *v1.HeartbeatReport, service *v1.ApplicationService, prior *v1.ServiceInstance) (*v1.ServiceInstance, bool) {
	if prior == nil {
		return &v1.ServiceInstance{
			ID:              v1.InstanceID(report.InstanceID),
			ServiceID:       service.ID,
			ServiceName:     report.ServiceName,
			TeamID:          service.OwnerTeamID,
			Host:            report.Host,
			Port:            report.Port,
			Environment:     report.Environment,
			Version:         report.Version,
			ConfigHash:      report.ConfigHash,
			LastAppliedHash: report.ConfigHash,
			Status:          v1.InstanceHealthy,
			LastSeenAt:      report.ReceivedAt,
			CreatedAt:       report.ReceivedAt,
			UpdatedAt:       report.ReceivedAt,
		}, true
	}
	instance := *prior
	instance.LastAppliedHash = prior.ConfigHash
	instance.ConfigHash = report.ConfigHash
	if report.Host != "" {
		instance.Host = report.Host
	}
	if report.Port != 0 {
		instance.Port = report.Port
	}
	if report.Environment != "" {
		instance.Environment = report.Environment
	}
	if report.Version != "" {
		instance.Version = report.Version
	}
	// Keep the denormalized owner fresh; ownership cascades rewrite rows in
	// bulk but a heartbeat landing between cascade and read self-heals.
	instance.TeamID = service.OwnerTeamID
	instance.Status = v1.InstanceHealthy
	instance.LastSeenAt = report.ReceivedAt
	instance.UpdatedAt = report.ReceivedAt
	return &instance, false
}

func (p *Pipeline) driftEvent(instance *v1.ServiceInstance, service *v1.ApplicationService, report *v1.HeartbeatReport) *v1.DriftEvent {
	return &v1.DriftEvent{
		ID:           uuid.NewString(),
		ServiceID:    instance.ServiceID,
		ServiceName:  instance.ServiceName,
		InstanceID:   instance.ID,
		TeamID:       instance.TeamID,
		Environment:  instance.Environment,
		ExpectedHash: instance.ExpectedHash,
		AppliedHash:  instance.ConfigHash,
		Severity:     p.policy.For(service, instance.Environment),
		Status:       v1.DriftDetected,
		DetectedAt:   report.ReceivedAt,
		DetectedBy:   SystemActor,
		DedupKey:     v1.DriftDedupKey(instance.ServiceName, instance.ID, report.ReceivedAt),
	}
}

// failPending fails every report that has no outcome yet.
func (p *Pipeline) failPending(results []batcher.Result[v1.HeartbeatReceipt], err error) []batcher.Result[v1.HeartbeatReceipt] {
	for i := range results {
		if results[i].Output == nil && results[i].Err == nil {
			results[i].Err = err
		}
	}
	return results
}

// failProcessed retracts the receipts of reports whose writes did not land.
func (p *Pipeline) failProcessed(results []batcher.Result[v1.HeartbeatReceipt], winners map[v1.InstanceID]int, err error) []batcher.Result[v1.HeartbeatReceipt] {
	for _, i := range winners {
		if results[i].Err == nil && results[i].Output != nil && !results[i].Output.Superseded {
			results[i] = batcher.Result[v1.HeartbeatReceipt]{Err: err}
		}
	}
	return results
}

func superseded(id v1.InstanceID) batcher.Result[v1.HeartbeatReceipt] {
	return batcher.Result[v1.HeartbeatReceipt]{Output: &v1.HeartbeatReceipt{InstanceID: id, Superseded: true}}
}
