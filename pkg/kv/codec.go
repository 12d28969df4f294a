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
	"encoding/base64"
	"unicode/utf8"

	"github.com/driftplane/driftplane/pkg/errors"
)

// Encoding names how a caller hands us a value over the wire. Values are
// stored as raw bytes; base64 is the projection used on the way out.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingUTF8   Encoding = "utf8"
	EncodingRaw    Encoding = "raw"
)

// DecodeValue turns a wire value into stored bytes according to its declared
// encoding.
func DecodeValue(value string, encoding Encoding) ([]byte, error) {
	const op = "kv.DecodeValue"
	switch encoding {
	case EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, errors.Wrap(errors.InvalidArgument, op, "value_base64", err)
		}
		return decoded, nil
	case EncodingUTF8:
		if !utf8.ValidString(value) {
			return nil, errors.New(errors.InvalidArgument, op, "value_utf8", "value is not valid UTF-8")
		}
		return []byte(value), nil
	case EncodingRaw, "":
		return []byte(value), nil
	default:
		return nil, errors.New(errors.InvalidArgument, op, "encoding_unknown", "unknown encoding %q", encoding)
	}
}

// EncodeBase64 is the outbound projection of stored bytes.
func EncodeBase64(value []byte) string {
	return base64.StdEncoding.EncodeToString(value)
}
