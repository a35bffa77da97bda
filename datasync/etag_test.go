// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"bytes"
	"testing"
)

func TestETagRoundTrip(t *testing.T) {
	version := []byte{0x01, 0x02, 0xfe, 0xff}
	etag := FormatETag(version)
	if etag[0] != '"' || etag[len(etag)-1] != '"' {
		t.Fatalf("expected quoted ETag, got %s", etag)
	}

	decoded, err := ParseETag(etag)
	if err != nil {
		t.Fatalf("parse etag: %v", err)
	}
	if !bytes.Equal(decoded, version) {
		t.Fatalf("round trip mismatch: %v != %v", decoded, version)
	}
}

func TestParseETagInvalid(t *testing.T) {
	cases := []string{"", `"`, "unquoted", `"not base64!!"`}
	for _, tc := range cases {
		if _, err := ParseETag(tc); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
}

func TestParseIfMatch(t *testing.T) {
	if _, wildcard, err := ParseIfMatch("*"); err != nil || !wildcard {
		t.Fatalf("expected wildcard, got wildcard=%v err=%v", wildcard, err)
	}

	version, wildcard, err := ParseIfMatch(FormatETag([]byte("v1")))
	if err != nil || wildcard {
		t.Fatalf("unexpected wildcard=%v err=%v", wildcard, err)
	}
	if !bytes.Equal(version, []byte("v1")) {
		t.Fatalf("version mismatch: %q", version)
	}

	version, wildcard, err = ParseIfMatch("")
	if err != nil || wildcard || version != nil {
		t.Fatalf("absent header should be (nil,false,nil), got %v %v %v", version, wildcard, err)
	}
}
