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

package repository

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Paging selects one page of a listing. Index is zero-based.
type Paging struct {
	Index int
	Size  int
}

func (p Paging) Normalize() Paging {
	if p.Index < 0 {
		p.Index = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Paging) Offset() int { return p.Index * p.Size }

// Sort orders a listing by one field. Field names are the entity's column
// names; adapters reject fields outside their whitelist.
type Sort struct {
	Field      string
	Descending bool
}

// DefaultSort keeps listings stable across pages: newest first, id as the
// tiebreaker.
func DefaultSort() []Sort {
	return []Sort{{Field: "updated_at", Descending: true}, {Field: "id"}}
}

// Page is one window of a listing plus the totals needed to render paging
// controls.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	PageIndex     int   `json:"pageIndex"`
	PageSize      int   `json:"pageSize"`
}

func NewPage[T any](content []T, totalElements int64, paging Paging) Page[T] {
	paging = paging.Normalize()
	totalPages := int(totalElements) / paging.Size
	if int(totalElements)%paging.Size != 0 {
		totalPages++
	}
	return Page[T]{
		Content:       content,
		TotalElements: totalElements,
		TotalPages:    totalPages,
		PageIndex:     paging.Index,
		PageSize:      paging.Size,
	}
}
