package errors

import (
	"fmt"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeDependency, cause, "blob download failed")

	if err.Code() != CodeDependency {
		t.Fatalf("code = %s", err.Code())
	}
	if err.Unwrap() != cause {
		t.Fatal("cause not preserved")
	}
	if got := err.Error(); got != "DEPENDENCY_ERROR: blob download failed" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestAsUnwrapsThroughWrapping(t *testing.T) {
	inner := New(CodeImageDecode, "bad png header")
	wrapped := fmt.Errorf("qc stage: %w", inner)

	typed := As(wrapped)
	if typed == nil {
		t.Fatal("As returned nil")
	}
	if typed.Code() != CodeImageDecode {
		t.Fatalf("code = %s", typed.Code())
	}
	if !HasCode(wrapped, CodeImageDecode) {
		t.Fatal("HasCode should match through wrapping")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeImageUnavailable, true},
		{CodeImageDecode, true},
		{CodeModelUnavailable, false},
		{CodeUploadFailure, false},
		{CodePersistenceConflict, false},
	}
	for _, tc := range cases {
		if got := IsTerminal(New(tc.code, "x")); got != tc.want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if IsTerminal(fmt.Errorf("plain error")) {
		t.Fatal("plain errors are not terminal")
	}
}

func TestMetadataForUnknownCode(t *testing.T) {
	meta := MetadataFor(Code("NOPE"))
	if meta.PublicMessage != metadataByCode[CodeInternal].PublicMessage {
		t.Fatal("unknown codes should map to internal metadata")
	}
}
