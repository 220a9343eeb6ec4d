package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigavox/internal/catalog"
	"gigavox/internal/config"
	"gigavox/internal/loader"
	"gigavox/internal/planner"
	"gigavox/internal/source"
)

type server struct {
	handler http.Handler
	loader  *loader.Loader
	catalog *catalog.Catalog
	id      string
}

// newServer serves one 8x4x4 dataset made of two raw 4^3 bricks plus one
// 4x2x2 brick at level 1.
func newServer(t *testing.T) *server {
	t.Helper()
	dir := t.TempDir()

	var file bytes.Buffer
	id := uuid.New().String()
	m := &catalog.Manifest{
		ID:            id,
		Name:          "cube",
		Dims:          [3]int{8, 4, 4},
		BrickSize:     4,
		BytesPerVoxel: 1,
		Encoding:      "raw",
	}
	fine := catalog.LevelManifest{Level: 0, Dims: [3]int{8, 4, 4}}
	for i := range 2 {
		off := int64(file.Len())
		file.Write(bytes.Repeat([]byte{byte(i + 1)}, 64))
		fine.Bricks = append(fine.Bricks, catalog.BrickManifest{
			ID: uint32(i), Origin: [3]int{4 * i, 0, 0}, Dims: [3]int{4, 4, 4},
			URI: "cube.raw", Offset: off, Length: 64,
		})
	}
	off := int64(file.Len())
	file.Write(bytes.Repeat([]byte{7}, 16))
	coarse := catalog.LevelManifest{Level: 1, Dims: [3]int{4, 2, 2}, Bricks: []catalog.BrickManifest{
		{ID: 50, Dims: [3]int{4, 2, 2}, URI: "cube.raw", Offset: off, Length: 16},
	}}
	m.Levels = []catalog.LevelManifest{fine, coarse}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cube.raw"), file.Bytes(), 0644))
	require.NoError(t, catalog.SaveManifest(filepath.Join(dir, "cube"+catalog.ManifestExt), m))

	log := zap.NewNop()
	cat := catalog.New(dir, log)
	require.NoError(t, cat.Scan())

	opts := loader.DefaultOptions()
	opts.Workers = 0
	ld := loader.New(source.NewFileReader(dir), opts, log)
	t.Cleanup(func() { ld.Close() })

	h := New(&config.Config{DataDir: dir}, log, cat, planner.New(cat, ld, log), ld)
	mux := http.NewServeMux()
	h.Routes(mux)

	return &server{
		handler: h.CORSMiddleware(h.RequestLoggingMiddleware(mux)),
		loader:  ld,
		catalog: cat,
		id:      id,
	}
}

func (s *server) do(t *testing.T, method, path string, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

func (s *server) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.loader.Wait(ctx))
}

func TestHandleDatasets(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/datasets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var infos []catalog.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, s.id, infos[0].ID)
	assert.Equal(t, 3, infos[0].Bricks)

	w = s.do(t, http.MethodPost, "/api/datasets", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleDatasetMeta(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/datasets/"+s.id+"?bricks=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var meta planner.Meta
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "cube", meta.Name)
	assert.Equal(t, []int{2, 1}, meta.LevelBricks)
	assert.Len(t, meta.BrickIndex, 3)

	w = s.do(t, http.MethodGet, "/api/datasets/"+s.id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "brick_index")

	w = s.do(t, http.MethodGet, "/api/datasets/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/datasets/"+s.id+"/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBrick_LoadsOnMissThenServes(t *testing.T) {
	s := newServer(t)
	path := fmt.Sprintf("/api/datasets/%s/bricks/0/1", s.id)

	w := s.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	s.wait(t)

	w = s.do(t, http.MethodGet, path+"?mode=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bytes.Repeat([]byte{2}, 64), w.Body.Bytes())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "4x4x4", w.Header().Get("X-Brick-Dims"))
	assert.Equal(t, "1", w.Header().Get("X-Brick-Bytes-Per-Voxel"))
	assert.True(t, s.catalog.Volume(s.id).Brick(1).Drawn(2))

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	w = s.do(t, http.MethodGet, path, "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = s.do(t, http.MethodHead, path, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestHandleBrick_BadRequests(t *testing.T) {
	s := newServer(t)
	base := "/api/datasets/" + s.id + "/bricks/"

	tests := []struct {
		path string
		want int
	}{
		{base + "x/0", http.StatusBadRequest},
		{base + "0/abc", http.StatusBadRequest},
		{base + "0/0?mode=99", http.StatusBadRequest},
		{base + "1/0", http.StatusNotFound},
		{base + "0/9", http.StatusNotFound},
		{"/api/datasets/missing/bricks/0/0", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := s.do(t, http.MethodGet, tt.path, "")
		assert.Equal(t, tt.want, w.Code, tt.path)
	}

	w := s.do(t, http.MethodPost, base+"0/0", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleFrame(t *testing.T) {
	s := newServer(t)

	body := fmt.Sprintf(`[{"dataset_id":%q,"level":0,"region":{"min":[0,0,0],"max":[4,4,4]},"mode":1}]`, s.id)
	w := s.do(t, http.MethodPost, "/api/frame", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"requests":1}`, w.Body.String())
	s.wait(t)

	vol := s.catalog.Volume(s.id)
	assert.True(t, s.loader.IsResident(vol.Brick(0).Key()))
	assert.False(t, s.loader.IsResident(vol.Brick(1).Key()))
	assert.True(t, vol.Brick(0).Displayed())
	assert.False(t, vol.Brick(1).Displayed())

	w = s.do(t, http.MethodPost, "/api/frame", `[{"dataset_id":"missing"}]`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/frame", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDisplayPassAndPurge(t *testing.T) {
	s := newServer(t)
	vol := s.catalog.Volume(s.id)

	w := s.do(t, http.MethodPost, "/api/datasets/"+s.id+"/display", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/datasets/"+s.id+"/display", `{"displayed":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, vol.Dataset.Displayed())

	vol.Brick(0).SetDrawn(3, true)
	w = s.do(t, http.MethodPost, "/api/datasets/"+s.id+"/pass", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, vol.Brick(0).Drawn(3))

	s.do(t, http.MethodGet, "/api/datasets/"+s.id+"/bricks/1/50", "")
	s.wait(t)
	require.True(t, s.loader.IsResident(vol.Brick(50).Key()))

	w = s.do(t, http.MethodPost, "/api/datasets/"+s.id+"/purge", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":1,"bytes":16}`, w.Body.String())
	assert.False(t, s.loader.IsResident(vol.Brick(50).Key()))

	w = s.do(t, http.MethodPost, "/api/datasets/missing/purge", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLoader(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPut, "/api/loader/memory-limit", `{"bytes":4096}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(4096), s.loader.MemoryLimit())

	w = s.do(t, http.MethodGet, "/api/loader/memory-limit", "")
	assert.JSONEq(t, `{"bytes":4096}`, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/loader/memory-limit", `{"bytes":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/loader/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats loader.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(4096), stats.MemoryLimit)

	w = s.do(t, http.MethodPost, "/api/loader/abort", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMiddleware(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodOptions, "/api/datasets", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = s.do(t, http.MethodGet, "/healthz", "", "Origin", "http://other.test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), "foreign origins are not allowed by default")
}
