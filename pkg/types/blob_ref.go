package types

import (
	"fmt"
	"strings"
)

// BlobRefScheme prefixes every stored object reference.
const BlobRefScheme = "store://"

// BlobRef points at an object in the blob store as store://bucket/path.
type BlobRef struct {
	Bucket string
	Path   string
}

// NewBlobRef builds a reference from its parts.
func NewBlobRef(bucket, path string) BlobRef {
	return BlobRef{Bucket: bucket, Path: strings.TrimPrefix(path, "/")}
}

// ParseBlobRef splits a store://bucket/path string into its parts.
func ParseBlobRef(raw string) (BlobRef, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, BlobRefScheme) {
		return BlobRef{}, fmt.Errorf("blob ref %q missing %s scheme", raw, BlobRefScheme)
	}
	rest := strings.TrimPrefix(trimmed, BlobRefScheme)
	bucket, path, found := strings.Cut(rest, "/")
	if !found || bucket == "" || path == "" {
		return BlobRef{}, fmt.Errorf("blob ref %q must be %sbucket/path", raw, BlobRefScheme)
	}
	return BlobRef{Bucket: bucket, Path: path}, nil
}

// IsBlobRef reports whether raw looks like a store:// reference.
func IsBlobRef(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), BlobRefScheme)
}

// String renders the canonical store://bucket/path form.
func (r BlobRef) String() string {
	return BlobRefScheme + r.Bucket + "/" + r.Path
}

// IsZero reports whether the reference is unset.
func (r BlobRef) IsZero() bool {
	return r.Bucket == "" && r.Path == ""
}
