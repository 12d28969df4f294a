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

package kv

import (
	"context"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
)

// Authorizer answers whether an actor may act on a service. Satisfied by the
// auth evaluator; injected as an interface so the KV layer stays below it.
type Authorizer interface {
	Authorize(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, action v1.Permission, environment string) error
}

// GetResponse is the outbound projection of one entry. Values travel base64
// regardless of how they were written.
type GetResponse struct {
	Path        string `json:"path"`
	ValueBase64 string `json:"valueBase64"`
	ModifyIndex uint64 `json:"modifyIndex"`
	CreateIndex uint64 `json:"createIndex"`
	Flags       uint64 `json:"flags,omitempty"`
	Stale       bool   `json:"stale,omitempty"`
}

// PutRequest carries a value in one of the supported encodings, optionally
// fenced with a CAS index.
type PutRequest struct {
	Value    string   `json:"value"`
	Encoding Encoding `json:"encoding,omitempty"`
	CAS      *uint64  `json:"cas,omitempty"`
	Flags    uint64   `json:"flags,omitempty"`
}

type PutResponse struct {
	Success     bool   `json:"success"`
	ModifyIndex uint64 `json:"modifyIndex,omitempty"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
}

// ListRequest scopes a listing to a service-relative prefix.
type ListRequest struct {
	Prefix   string `json:"prefix,omitempty"`
	KeysOnly bool   `json:"keysOnly,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	FromKey  string `json:"fromKey,omitempty"`
}

// ListResponse carries either full items or bare keys, both service-relative.
type ListResponse struct {
	Items []GetResponse `json:"items,omitempty"`
	Keys  []string      `json:"keys,omitempty"`
}

// Facade is the per-service view of the config store: it anchors every path
// under the service's prefix, enforces the path policy and authorization, and
// translates between wire encodings and stored bytes.
type Facade struct {
	store  Store
	policy PathPolicy
	auth   Authorizer
}

func NewFacade(store Store, policy PathPolicy, auth Authorizer) *Facade {
	return &Facade{store: store, policy: policy, auth: auth}
}

func (f *Facade) Get(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, path string) (*GetResponse, error) {
	const op = "kv.Facade.Get"
	if err := f.auth.Authorize(ctx, actor, serviceID, v1.PermissionViewService, ""); err != nil {
		return nil, err
	}
	key, err := f.policy.FullKey(serviceID, path)
	if err != nil {
		return nil, err
	}
	entry, err := f.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.New(errors.NotFound, op, "key_not_found", "no value at %q for service %q", NormalizePath(path), serviceID)
	}
	relative, err := f.policy.ExtractRelativePath(serviceID, entry.Key)
	if err != nil {
		return nil, err
	}
	return &GetResponse{
		Path:        relative,
		ValueBase64: EncodeBase64(entry.Value),
		ModifyIndex: entry.ModifyIndex,
		CreateIndex: entry.CreateIndex,
		Flags:       entry.Flags,
		Stale:       entry.Stale,
	}, nil
}

func (f *Facade) Put(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, path string, request PutRequest) (*PutResponse, error) {
	if err := f.auth.Authorize(ctx, actor, serviceID, v1.PermissionEditService, ""); err != nil {
		return nil, err
	}
	key, err := f.policy.FullKey(serviceID, path)
	if err != nil {
		return nil, err
	}
	value, err := DecodeValue(request.Value, request.Encoding)
	if err != nil {
		return nil, err
	}
	result, err := f.store.Put(ctx, key, value, PutOptions{Expected: request.CAS, Flags: request.Flags})
	if err != nil {
		return nil, err
	}
	return &PutResponse{Success: result.Succeeded, ModifyIndex: result.ModifyIndex}, nil
}

func (f *Facade) Delete(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, path string, cas *uint64) (*DeleteResponse, error) {
	if err := f.auth.Authorize(ctx, actor, serviceID, v1.PermissionEditService, ""); err != nil {
		return nil, err
	}
	key, err := f.policy.FullKey(serviceID, path)
	if err != nil {
		return nil, err
	}
	deleted, err := f.store.Delete(ctx, key, cas)
	if err != nil {
		return nil, err
	}
	return &DeleteResponse{Success: deleted}, nil
}

func (f *Facade) List(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, request ListRequest) (*ListResponse, error) {
	if err := f.auth.Authorize(ctx, actor, serviceID, v1.PermissionViewService, ""); err != nil {
		return nil, err
	}
	prefix := f.policy.ServicePrefix(serviceID)
	if request.Prefix != "" {
		normalized := NormalizePath(request.Prefix)
		if err := ValidatePath(normalized); err != nil {
			return nil, err
		}
		prefix += normalized
	}
	opts := ListOptions{Limit: request.Limit, KeysOnly: request.KeysOnly}
	if request.FromKey != "" {
		fromKey, err := f.policy.FullKey(serviceID, request.FromKey)
		if err != nil {
			return nil, err
		}
		opts.FromKey = fromKey
	}
	entries, err := f.store.List(ctx, prefix, opts)
	if err != nil {
		return nil, err
	}
	response := &ListResponse{}
	for _, entry := range entries {
		relative, err := f.policy.ExtractRelativePath(serviceID, entry.Key)
		if err != nil {
			continue
		}
		if request.KeysOnly {
			response.Keys = append(response.Keys, relative)
			continue
		}
		response.Items = append(response.Items, GetResponse{
			Path:        relative,
			ValueBase64: EncodeBase64(entry.Value),
			ModifyIndex: entry.ModifyIndex,
			CreateIndex: entry.CreateIndex,
			Flags:       entry.Flags,
			Stale:       entry.Stale,
		})
	}
	return response, nil
}
