package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("module-secret-key")

func expectedDigest(data string) string {
	mac := hmac.New(sha256.New, testKey)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// workloadHandler emulates the security daemon's sign endpoint.
func workloadHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/modules/itm/genid/gen-42/sign" {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		assert.Equal(t, WorkloadAPIVersion, r.URL.Query().Get("api-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req signRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "primary", req.KeyID)
		assert.Equal(t, "HMACSHA256", req.Algo)

		data, err := base64.StdEncoding.DecodeString(req.Data)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if string(data) == "forbidden-device" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"key not allowed"}`))
			return
		}

		_ = json.NewEncoder(w).Encode(signResponse{Digest: expectedDigest(string(data))})
	})
}

func TestHMACSigner(t *testing.T) {
	s, err := NewHMACSigner(base64.StdEncoding.EncodeToString(testKey))
	require.NoError(t, err)

	got, err := s.Sign(context.Background(), "LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, expectedDigest("LeafDevice1"), got)

	other, err := s.Sign(context.Background(), "LeafDevice2")
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}

func TestNewHMACSigner_InvalidKey(t *testing.T) {
	_, err := NewHMACSigner("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewHMACSigner("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestWorkloadSigner_HTTP(t *testing.T) {
	srv := httptest.NewServer(workloadHandler(t))
	defer srv.Close()

	s, err := NewWorkloadSigner(WorkloadConfig{URI: srv.URL + "/", ModuleID: "itm", GenerationID: "gen-42"})
	require.NoError(t, err)

	got, err := s.Sign(context.Background(), "LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, expectedDigest("LeafDevice1"), got)
}

func TestWorkloadSigner_UnixSocket(t *testing.T) {
	// Socket paths are length limited, so avoid the long t.TempDir path.
	dir, err := os.MkdirTemp("", "wl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "workload.sock")

	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(workloadHandler(t))
	srv.Listener = listener
	srv.Start()
	defer srv.Close()

	s, err := NewWorkloadSigner(WorkloadConfig{URI: "unix://" + socket, ModuleID: "itm", GenerationID: "gen-42"})
	require.NoError(t, err)

	got, err := s.Sign(context.Background(), "LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, expectedDigest("LeafDevice1"), got)
}

func TestWorkloadSigner_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(workloadHandler(t))
	defer srv.Close()

	s, err := NewWorkloadSigner(WorkloadConfig{URI: srv.URL, ModuleID: "itm", GenerationID: "gen-42"})
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), "forbidden-device")
	require.ErrorIs(t, err, ErrSigningFailed)
	assert.Contains(t, err.Error(), "key not allowed")

	wrongGen, err := NewWorkloadSigner(WorkloadConfig{URI: srv.URL, ModuleID: "itm", GenerationID: "stale"})
	require.NoError(t, err)
	_, err = wrongGen.Sign(context.Background(), "LeafDevice1")
	require.ErrorIs(t, err, ErrSigningFailed)
}

func TestWorkloadSigner_EmptyDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s, err := NewWorkloadSigner(WorkloadConfig{URI: srv.URL, ModuleID: "itm", GenerationID: "g"})
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), "dev")
	require.ErrorIs(t, err, ErrSigningFailed)
}

func TestWorkloadSigner_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s, err := NewWorkloadSigner(WorkloadConfig{URI: srv.URL, ModuleID: "itm", GenerationID: "g"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Sign(ctx, "dev")
	require.ErrorIs(t, err, ErrSigningFailed)
}

func TestNewWorkloadSigner_UnsupportedScheme(t *testing.T) {
	_, err := NewWorkloadSigner(WorkloadConfig{URI: "ftp://daemon"})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
