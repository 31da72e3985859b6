// Copyright 2024 Chainguard, Inc.
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

package api

import (
	"crypto/subtle"
	"net/http"
)

// TokenAuthenticator is a minimal stand-in Authenticator: a single shared
// admin token compared against the X-Antbs-Admin-Token header. Real
// identity-provider integration (OAuth/OIDC) is out of scope for this
// codebase; this exists only so admin-gated routes have a working default
// rather than being permanently 403 when no Authenticator is configured.
type TokenAuthenticator struct {
	Token string
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(r *http.Request) (Identity, bool) {
	if a.Token == "" {
		return Identity{}, false
	}
	got := r.Header.Get("X-Antbs-Admin-Token")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
		return Identity{}, false
	}
	return Identity{Name: "admin", Admin: true}, true
}
