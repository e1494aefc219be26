package inference

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
	"github.com/hyacinthwatch/backend/pkg/types"
)

type fakeStore struct {
	objects   map[string][]byte
	downloads int
}

func (f *fakeStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (types.BlobRef, error) {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+path] = data
	return types.NewBlobRef(bucket, path), nil
}

func (f *fakeStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	f.downloads++
	data, ok := f.objects[bucket+"/"+path]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example/%s/%s", bucket, path), nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, path string) bool {
	delete(f.objects, bucket+"/"+path)
	return true
}

func TestRegistryLoadCachesPerVersion(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"models/presence/v3/model_meta.json": []byte(`{"input_size":224,"mean":[0.485],"std":[0.229],"threshold":0.6,"weights":"model.onnx"}`),
	}}
	registry := NewRegistry(store, "models")

	meta, err := registry.Load(context.Background(), "presence", "v3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta.Threshold != 0.6 {
		t.Fatalf("threshold = %f", meta.Threshold)
	}
	if meta.InputSize != 224 {
		t.Fatalf("input size = %d", meta.InputSize)
	}
	// version fills in from the request when the document omits it
	if meta.Version != "v3" {
		t.Fatalf("version = %q", meta.Version)
	}

	if _, err := registry.Load(context.Background(), "presence", "v3"); err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if store.downloads != 1 {
		t.Fatalf("expected a single download, got %d", store.downloads)
	}
}

func TestRegistryLoadMissingArtifact(t *testing.T) {
	registry := NewRegistry(&fakeStore{}, "models")

	_, err := registry.Load(context.Background(), "segmentation", "v9")
	if err == nil {
		t.Fatal("expected error for missing metadata")
	}
	if !apperrors.HasCode(err, apperrors.CodeModelUnavailable) {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}
}
