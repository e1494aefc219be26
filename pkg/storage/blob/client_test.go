package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyacinthwatch/backend/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), config.BlobConfig{
		BaseURL:    server.URL,
		ServiceKey: "service-key",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestUploadReturnsStoreRef(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	ref, err := client.Upload(context.Background(), "masks", "obs/abc/mask.png", []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.String() != "store://masks/obs/abc/mask.png" {
		t.Fatalf("ref = %s", ref)
	}
	if gotPath != "/storage/v1/object/masks/obs/abc/mask.png" {
		t.Fatalf("request path = %s", gotPath)
	}
	if gotAuth != "Bearer service-key" {
		t.Fatalf("auth header = %s", gotAuth)
	}
	if gotContentType != "image/png" {
		t.Fatalf("content type = %s", gotContentType)
	}
	if string(gotBody) != "png-bytes" {
		t.Fatalf("body = %s", gotBody)
	}
}

func TestDownloadNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Download(context.Background(), "observations", "missing.jpg")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadReturnsBytes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("image-bytes")); err != nil {
			t.Errorf("write: %v", err)
		}
	})

	data, err := client.Download(context.Background(), "observations", "a/b.jpg")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("data = %s", data)
	}
}

func TestSignedURLJoinsRelativeResult(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"signedURL":"/storage/v1/object/sign/masks/m.png?token=xyz"}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	})

	signed, err := client.SignedURL(context.Background(), "masks", "m.png", 10*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(signed, server.URL+"/storage/v1/object/sign/") {
		t.Fatalf("signed url = %s", signed)
	}
}

func TestDeleteIsBestEffort(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if client.Delete(context.Background(), "masks", "m.png") {
		t.Fatal("failed delete should report false")
	}

	ok, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if !ok.Delete(context.Background(), "masks", "m.png") {
		t.Fatal("successful delete should report true")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(context.Background(), config.BlobConfig{ServiceKey: "k"}, nil); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := NewClient(context.Background(), config.BlobConfig{BaseURL: "http://x"}, nil); err == nil {
		t.Fatal("expected error for missing service key")
	}
}
