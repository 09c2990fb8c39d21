package controllers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/filebox/bucket"
	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
	"github.com/cppla/filebox/storage/memory"
	"github.com/cppla/filebox/utils"
	"github.com/cppla/filebox/views"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	publicNS  = bucket.Namespace{Name: "uploads", Policy: bucket.Randomized, Response: bucket.RespondRedirect}
	privateNS = bucket.Namespace{Name: "safe-uploads", Policy: bucket.PreserveOriginal, Response: bucket.RespondJSON, PathPrefix: "/vault-3e7a"}
)

func mount(r *gin.Engine, fc *FileController, ns bucket.Namespace) {
	g := r.Group(ns.PathPrefix)
	g.GET("/", fc.Index)
	g.POST("/upload", fc.Upload)
	g.GET("/files", fc.List)
	g.GET("/files/:id", fc.Show)
	g.GET("/image/:id", fc.Image)
	g.GET("/download/:id", fc.Download)
	g.DELETE("/files/:id", fc.Delete)
}

func newTestRouter(t *testing.T, store storage.Store, maxUpload int64, namespaces ...bucket.Namespace) *gin.Engine {
	t.Helper()
	return newCachedRouter(t, store, nil, maxUpload, namespaces...)
}

func newCachedRouter(t *testing.T, store storage.Store, cache *utils.Cache, maxUpload int64, namespaces ...bucket.Namespace) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.SetHTMLTemplate(views.Templates())
	opts := FileOptions{MaxUploadBytes: maxUpload, NoticeTitle: "Notice", Notice: "<b>hi</b>", Cache: cache}
	for _, ns := range namespaces {
		mount(r, NewFileController(store, ns, opts), ns)
	}
	r.GET("/stats", NewStatsController(store, cache, namespaces...).GetStats)
	return r
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func uploadRequest(t *testing.T, path, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, quoteEscaper.Replace(filename)))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	pw, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	return do(r, httptest.NewRequest(http.MethodGet, path, nil))
}

func listRecords(t *testing.T, r http.Handler, prefix string) []models.FileRecord {
	t.Helper()
	w := get(r, prefix+"/files")
	if w.Code == http.StatusNotFound {
		return nil
	}
	require.Equal(t, http.StatusOK, w.Code)
	var out []models.FileRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUploadPhotoThenView(t *testing.T) {
	r := newTestRouter(t, memory.New(0), 50<<20, publicNS)
	photo := randomBytes(t, 5*1024*1024)

	w := do(r, uploadRequest(t, "/upload", "file", "photo.JPG", "image/jpeg", photo))
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	records := listRecords(t, r, "")
	require.Len(t, records, 1)
	rec := records[0]
	assert.Regexp(t, `^[0-9a-f]{32}\.JPG$`, rec.Filename)
	assert.Equal(t, int64(len(photo)), rec.Length)
	assert.Equal(t, "image/jpeg", rec.ContentType)
	assert.Equal(t, "uploads", rec.Bucket)

	w = get(r, "/image/"+rec.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(len(photo)), w.Header().Get("Content-Length"))
	assert.True(t, bytes.Equal(photo, w.Body.Bytes()))

	// stored filename works as well as the id
	w = get(r, "/image/"+rec.Filename)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, len(photo), w.Body.Len())
}

func TestDownloadSetsAttachmentHeaders(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, privateNS)
	data := []byte("quarterly numbers")
	w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", `Q3 "final".csv`, "text/csv", data))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		File models.FileRecord `json:"file"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, `Q3 "final".csv`, body.File.Filename)

	w = get(r, "/vault-3e7a/download/"+body.File.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="Q3 \"final\".csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(len(data)), w.Header().Get("Content-Length"))
	assert.Equal(t, data, w.Body.Bytes())
}

func TestPrivateNamespacePreservesName(t *testing.T) {
	store := memory.New(1024)
	r := newTestRouter(t, store, 0, publicNS, privateNS)

	w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "report.pdf", "application/pdf", []byte("v1")))
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "report.pdf", "application/pdf", []byte("v2")))
	require.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/vault-3e7a/files/report.pdf")
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.FileRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "safe-uploads", rec.Bucket)

	w = get(r, "/vault-3e7a/download/report.pdf")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v2", w.Body.String(), "newest upload wins a name lookup")

	// namespaces do not see each other's files
	assert.Equal(t, http.StatusNotFound, get(r, "/files/report.pdf").Code)
	assert.Nil(t, listRecords(t, r, ""))
}

func TestUploadWithoutFile(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS)

	w := do(r, uploadRequest(t, "/upload", "attachment", "a.txt", "text/plain", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"err":"No file uploaded"}`, w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader([]byte(`{"file":"x"}`)))
	req.Header.Set("Content-Type", "application/json")
	w = do(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"err":"No file uploaded"}`, w.Body.String())
}

func TestUploadDefaultsContentType(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, privateNS)
	w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "blob", "", []byte{1, 2, 3}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"contentType":"application/octet-stream"`)
}

func TestUploadTooLarge(t *testing.T) {
	r := newTestRouter(t, memory.New(256), 1024, publicNS)

	w := do(r, uploadRequest(t, "/upload", "file", "big.bin", "application/octet-stream", randomBytes(t, 4096)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "size limit")
	assert.Nil(t, listRecords(t, r, ""), "a rejected upload leaves nothing behind")

	w = do(r, uploadRequest(t, "/upload", "file", "ok.bin", "application/octet-stream", randomBytes(t, 1024)))
	assert.Equal(t, http.StatusSeeOther, w.Code)
}

type failingPutStore struct {
	*memory.Store
}

func (failingPutStore) Put(context.Context, string, string, string, io.Reader) (*models.FileRecord, error) {
	return nil, fmt.Errorf("%w: disk on fire", storage.ErrWrite)
}

func TestUploadStoreFailure(t *testing.T) {
	r := newTestRouter(t, failingPutStore{memory.New(1024)}, 0, publicNS)
	w := do(r, uploadRequest(t, "/upload", "file", "a.txt", "text/plain", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), storage.ErrWrite.Error())
}

func TestListEmptyBucket(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS)
	w := get(r, "/files")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"err":"No files exist"}`, w.Body.String())
}

func TestMissingFile(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS)
	for _, path := range []string{"/files/nope", "/image/nope", "/download/nope"} {
		w := get(r, path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.JSONEq(t, `{"err":"No file exists"}`, w.Body.String(), path)
	}
}

func TestImageGate(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, privateNS)
	for _, ct := range []string{"text/plain", "image/gif", "image/svg+xml"} {
		name := "file-" + ct[len(ct)-3:]
		w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", name, ct, []byte("<svg/>")))
		require.Equal(t, http.StatusOK, w.Code)

		w = get(r, "/vault-3e7a/image/"+name)
		assert.Equal(t, http.StatusNotFound, w.Code, ct)
		assert.JSONEq(t, `{"err":"Not an image"}`, w.Body.String(), ct)
	}

	w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "dot.png", "image/png", []byte("png-bytes")))
	require.Equal(t, http.StatusOK, w.Code)
	w = get(r, "/vault-3e7a/image/dot.png")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestDelete(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS, privateNS)

	w := do(r, uploadRequest(t, "/upload", "file", "a.txt", "text/plain", []byte("aaa")))
	require.Equal(t, http.StatusSeeOther, w.Code)
	w = do(r, uploadRequest(t, "/upload", "file", "b.txt", "text/plain", []byte("bbb")))
	require.Equal(t, http.StatusSeeOther, w.Code)
	records := listRecords(t, r, "")
	require.Len(t, records, 2)

	// unknown id: 404 and nothing changes
	w = do(r, httptest.NewRequest(http.MethodDelete, "/files/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"err":"No file exists"}`, w.Body.String())
	assert.Len(t, listRecords(t, r, ""), 2)

	// another namespace cannot delete it
	w = do(r, httptest.NewRequest(http.MethodDelete, "/vault-3e7a/files/"+records[0].ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, httptest.NewRequest(http.MethodDelete, "/files/"+records[0].ID, nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	assert.Equal(t, http.StatusNotFound, get(r, "/files/"+records[0].ID).Code)

	left := listRecords(t, r, "")
	require.Len(t, left, 1)
	assert.Equal(t, records[1].ID, left[0].ID)
}

func TestDeleteByNameRedirectsToPrefix(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, privateNS)
	w := do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "notes.txt", "text/plain", []byte("n")))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, httptest.NewRequest(http.MethodDelete, "/vault-3e7a/files/notes.txt", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/vault-3e7a/", w.Header().Get("Location"))
	assert.Nil(t, listRecords(t, r, "/vault-3e7a"))
}

type invalidIDStore struct {
	*memory.Store
}

func (invalidIDStore) Delete(context.Context, string, string) error { return storage.ErrInvalidID }

func TestDeleteInvalidID(t *testing.T) {
	r := newTestRouter(t, invalidIDStore{memory.New(1024)}, 0, publicNS)
	w := do(r, httptest.NewRequest(http.MethodDelete, "/files/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"err":"No file exists"}`, w.Body.String())
}

// brokenStreamStore serves the first after bytes of every object, then fails the read.
type brokenStreamStore struct {
	*memory.Store
	after int64
}

func (s brokenStreamStore) OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error) {
	rc, err := s.Store.OpenReadStream(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return &brokenReader{ReadCloser: rc, left: s.after}, nil
}

type brokenReader struct {
	io.ReadCloser
	left int64
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.left <= 0 {
		return 0, fmt.Errorf("%w: chunk missing", storage.ErrRead)
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.ReadCloser.Read(p)
	r.left -= int64(n)
	return n, err
}

func TestStreamFailureCutsBodyShort(t *testing.T) {
	r := newTestRouter(t, brokenStreamStore{Store: memory.New(1024), after: 1024}, 0, publicNS)
	data := randomBytes(t, 3000)
	w := do(r, uploadRequest(t, "/upload", "file", "x.png", "image/png", data))
	require.Equal(t, http.StatusSeeOther, w.Code)
	rec := listRecords(t, r, "")[0]

	w = get(r, "/download/"+rec.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3000", w.Header().Get("Content-Length"))
	assert.Equal(t, 1024, w.Body.Len(), "body stops at the broken chunk")
	assert.Equal(t, data[:1024], w.Body.Bytes())
}

func TestStreamFailureBeforeFirstByte(t *testing.T) {
	r := newTestRouter(t, brokenStreamStore{Store: memory.New(1024), after: 0}, 0, publicNS)
	w := do(r, uploadRequest(t, "/upload", "file", "x.png", "image/png", randomBytes(t, 3000)))
	require.Equal(t, http.StatusSeeOther, w.Code)
	rec := listRecords(t, r, "")[0]

	for _, path := range []string{"/download/" + rec.ID, "/image/" + rec.ID} {
		w = get(r, path)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.Empty(t, w.Header().Get("Content-Disposition"), path)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), path)
		assert.Contains(t, body["err"], "chunk missing", path)
	}
}

func TestEmptyFileStreams(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS)
	w := do(r, uploadRequest(t, "/upload", "file", "empty.txt", "text/plain", nil))
	require.Equal(t, http.StatusSeeOther, w.Code)
	rec := listRecords(t, r, "")[0]

	w = get(r, "/download/"+rec.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
}

func TestIndex(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS)

	w := get(r, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No files to show")
	assert.Contains(t, w.Body.String(), "<b>hi</b>")

	do(r, uploadRequest(t, "/upload", "file", "cat.png", "image/png", []byte("png")))
	do(r, uploadRequest(t, "/upload", "file", "doc.txt", "text/plain", []byte("txt")))
	records := listRecords(t, r, "")
	require.Len(t, records, 2)

	w = get(r, "/")
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	for _, rec := range records {
		assert.Contains(t, page, "/download/"+rec.ID)
		if rec.ContentType == "image/png" {
			assert.Contains(t, page, `src="/image/`+rec.ID+`"`)
		} else {
			assert.NotContains(t, page, "/image/"+rec.ID)
		}
	}
}

func TestStats(t *testing.T) {
	r := newTestRouter(t, memory.New(1024), 0, publicNS, privateNS)
	do(r, uploadRequest(t, "/upload", "file", "a.bin", "", make([]byte, 100)))
	do(r, uploadRequest(t, "/upload", "file", "b.bin", "", make([]byte, 50)))
	do(r, uploadRequest(t, "/vault-3e7a/upload", "file", "c.bin", "", make([]byte, 7)))

	w := get(r, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[
		{"bucket":"uploads","files":2,"bytes":150},
		{"bucket":"safe-uploads","files":1,"bytes":7}
	]`, w.Body.String())
}

// contextStore fails List once the caller's context is done, as a network backend would.
type contextStore struct {
	*memory.Store
}

func (s contextStore) List(ctx context.Context, bucket string) ([]models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.List(ctx, bucket)
}

func TestStatsScanOutlivesCallerContext(t *testing.T) {
	r := newTestRouter(t, contextStore{memory.New(1024)}, 0, publicNS)
	do(r, uploadRequest(t, "/upload", "file", "a.bin", "", make([]byte, 10)))

	// the request that starts a shared scan may go away while others still wait on it
	rctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := do(r, httptest.NewRequest(http.MethodGet, "/stats", nil).WithContext(rctx))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"bucket":"uploads","files":1,"bytes":10}]`, w.Body.String())
}

func TestStatsCacheInvalidatedByChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := utils.NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	r := newCachedRouter(t, memory.New(1024), cache, 0, publicNS)

	w := get(r, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"bucket":"uploads","files":0,"bytes":0}]`, w.Body.String())
	assert.True(t, mr.Exists(StatsCachePrefix+"all"))

	do(r, uploadRequest(t, "/upload", "file", "a.bin", "", make([]byte, 10)))
	assert.False(t, mr.Exists(StatsCachePrefix+"all"), "upload drops cached stats")

	w = get(r, "/stats")
	assert.JSONEq(t, `[{"bucket":"uploads","files":1,"bytes":10}]`, w.Body.String())

	// a cached answer is served as is
	require.NoError(t, mr.Set(StatsCachePrefix+"all", `[{"bucket":"uploads","files":42,"bytes":1}]`))
	w = get(r, "/stats")
	assert.JSONEq(t, `[{"bucket":"uploads","files":42,"bytes":1}]`, w.Body.String())

	rec := listRecords(t, r, "")[0]
	do(r, httptest.NewRequest(http.MethodDelete, "/files/"+rec.ID, nil))
	w = get(r, "/stats")
	assert.JSONEq(t, `[{"bucket":"uploads","files":0,"bytes":0}]`, w.Body.String())
}

func TestGetNotice(t *testing.T) {
	r := gin.New()
	r.GET("/config/notice", NewConfigController("Notice", "<b>hi</b>").GetNotice)
	w := get(r, "/config/notice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"title":"Notice","html":"<b>hi</b>"}`, w.Body.String())
}
