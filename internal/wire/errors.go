// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import "github.com/pkg/errors"

// ErrMalformed marks input that could not be parsed into a tree:
// broken XML or an unbalanced binary buffer.  It is fatal for the
// exchange it occurred in; the enclosing sync operation must be
// aborted and resumed explicitly, never retried in place.
var ErrMalformed = errors.New("malformed wire data")

// IsMalformed reports whether err is, or wraps, ErrMalformed.
func IsMalformed(err error) bool {
	return errors.Cause(err) == ErrMalformed
}
