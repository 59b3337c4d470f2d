// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metadata provides access to the master database,
// the durable source of truth for tenant existence and connection parameters.
//
// It should be used only by the tenantdb package.
package metadata

// tableName is the SQLite table where tenant records are stored.
const tableName = "tenants"

// Tenant represents a single row of the master tenants table.
type Tenant struct {
	ID        int64
	TenantID  string
	Path      string
	HasPath   bool
	CreatedAt string
}

// MemoryBacked reports whether the tenant's data lives only in memory.
//
// HasPath, not the Path contents, is authoritative:
// a false HasPath means memory-backed even if a path value was stored.
func (t *Tenant) MemoryBacked() bool {
	return !t.HasPath
}
