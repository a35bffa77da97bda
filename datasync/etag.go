// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidETag is returned when an If-Match header cannot be decoded.
var ErrInvalidETag = errors.New("invalid ETag value")

// FormatETag encodes version bytes as a quoted base64 entity tag, the form
// carried in ETag response headers and If-Match preconditions.
func FormatETag(version []byte) string {
	return `"` + base64.StdEncoding.EncodeToString(version) + `"`
}

// ParseETag decodes a quoted base64 entity tag back to version bytes.
func ParseETag(etag string) ([]byte, error) {
	s := strings.TrimSpace(etag)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return nil, ErrInvalidETag
	}
	version, err := base64.StdEncoding.DecodeString(s[1 : len(s)-1])
	if err != nil {
		return nil, ErrInvalidETag
	}
	return version, nil
}

// ParseIfMatch interprets an If-Match header. It returns (nil, true, nil) for
// the wildcard form, (version, false, nil) for a concrete entity tag, and
// (nil, false, nil) when the header is absent.
func ParseIfMatch(header string) (version []byte, wildcard bool, err error) {
	s := strings.TrimSpace(header)
	if s == "" {
		return nil, false, nil
	}
	if s == "*" {
		return nil, true, nil
	}
	version, err = ParseETag(s)
	if err != nil {
		return nil, false, err
	}
	return version, false, nil
}
