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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"path/filepath"

	"github.com/TenantDB/TenantDB/internal/util/testutil/testtb"
)

// Ctx returns test context.
//
// It is canceled when the test is finished.
func Ctx(tb testtb.TB) context.Context {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	return ctx
}

// RegistryURI returns a SQLite URI for a registry database file
// in the test's temporary directory.
func RegistryURI(tb testtb.TB) string {
	tb.Helper()

	return "file:" + filepath.ToSlash(filepath.Join(tb.TempDir(), "master.sqlite"))
}

// TenantPath returns a path for a tenant database file with the given name
// in the test's temporary directory.
func TenantPath(tb testtb.TB, name string) string {
	tb.Helper()

	return filepath.Join(tb.TempDir(), name+".sqlite")
}
