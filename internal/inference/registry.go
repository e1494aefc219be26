package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
)

// ModelMeta describes a versioned model artifact. It is published next to the
// weights as model_meta.json.
type ModelMeta struct {
	Version   string    `json:"version"`
	InputSize int       `json:"input_size"`
	Mean      []float64 `json:"mean"`
	Std       []float64 `json:"std"`
	Threshold float64   `json:"threshold"`
	Weights   string    `json:"weights"`
}

// Registry resolves model metadata from the models bucket, cached per
// task/version for the life of the process.
type Registry struct {
	store  blob.Store
	bucket string

	mu    sync.Mutex
	cache map[string]ModelMeta
}

// NewRegistry builds a registry reading from the named bucket.
func NewRegistry(store blob.Store, bucket string) *Registry {
	return &Registry{
		store:  store,
		bucket: bucket,
		cache:  make(map[string]ModelMeta),
	}
}

// Load fetches metadata for task/version, hitting the store only on first use.
func (r *Registry) Load(ctx context.Context, task, version string) (ModelMeta, error) {
	if task == "" || version == "" {
		return ModelMeta{}, apperrors.New(apperrors.CodeModelUnavailable, "model task and version are required")
	}

	key := task + "/" + version

	r.mu.Lock()
	if meta, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return meta, nil
	}
	r.mu.Unlock()

	data, err := r.store.Download(ctx, r.bucket, key+"/model_meta.json")
	if err != nil {
		return ModelMeta{}, apperrors.Wrap(apperrors.CodeModelUnavailable, err,
			fmt.Sprintf("loading model metadata %s", key))
	}

	var meta ModelMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ModelMeta{}, apperrors.Wrap(apperrors.CodeModelUnavailable, err,
			fmt.Sprintf("parsing model metadata %s", key))
	}
	if meta.Version == "" {
		meta.Version = version
	}

	r.mu.Lock()
	r.cache[key] = meta
	r.mu.Unlock()

	return meta, nil
}
