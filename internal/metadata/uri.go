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

package metadata

import (
	"net/url"

	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
)

// parseURI checks the given master database URI and returns the SQLite DSN.
//
// The URI should point at a database file (not a directory),
// for example `file:state/master.sqlite` or `file:master.sqlite?mode=memory`.
// Query parameters are preserved;
// busy_timeout and journal_mode pragmas are added unless some pragma is already set.
func parseURI(u string) (string, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return "", lazyerrors.Error(err)
	}

	if uri.Scheme != "file" {
		return "", lazyerrors.Errorf(`expected "file:" scheme, got %q`, uri.Scheme)
	}

	if uri.User != nil || uri.Host != "" {
		return "", lazyerrors.New("URI should not contain user or host")
	}

	path := uri.Path
	if path == "" {
		path = uri.Opaque
	}

	if path == "" {
		return "", lazyerrors.New("database file path is empty")
	}

	values := uri.Query()

	if len(values["_pragma"]) == 0 {
		// a concurrently held file lock should surface as an error, not a hang
		values.Add("_pragma", "busy_timeout(10000)")
		values.Add("_pragma", "journal_mode(wal)")
	}

	uri.Path = path
	uri.Opaque = path
	uri.OmitHost = true
	uri.RawQuery = values.Encode()

	return uri.String(), nil
}
