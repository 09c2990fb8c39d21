package controllers

import (
	"bufio"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/filebox/bucket"
	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
	"github.com/cppla/filebox/utils"
	"github.com/cppla/filebox/views"
)

const (
	msgNoFileUploaded = "No file uploaded"
	msgNoFilesExist   = "No files exist"
	msgNoFileExists   = "No file exists"
	msgNotAnImage     = "Not an image"

	defaultContentType = "application/octet-stream"
	// multipart framing allowed on top of the file itself
	multipartOverhead = 1 << 20
	streamBufferSize  = 32 << 10
)

var (
	errTooLarge  = errors.New("upload exceeds size limit")
	quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// FileOptions carries the per-deployment settings of a FileController.
type FileOptions struct {
	MaxUploadBytes int64
	NoticeTitle    string
	Notice         template.HTML
	// Cache holds derived listings such as /stats; changes to the bucket invalidate it
	Cache *utils.Cache
}

// FileController serves one bucket namespace: upload, listing, metadata, inline images,
// downloads and deletion.
type FileController struct {
	store  storage.Store
	ns     bucket.Namespace
	opts   FileOptions
	logger *zap.Logger
}

// NewFileController creates a controller bound to ns.
func NewFileController(store storage.Store, ns bucket.Namespace, opts FileOptions) *FileController {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	return &FileController{
		store:  store,
		ns:     ns,
		opts:   opts,
		logger: utils.Logger.With(zap.String("bucket", ns.Name)),
	}
}

type indexFile struct {
	models.FileRecord
	IsImage bool
}

// Index renders the upload form and the file cards.
func (f *FileController) Index(ctx *gin.Context) {
	records, err := f.store.List(ctx.Request.Context(), f.ns.Name)
	if err != nil {
		f.logger.Error("list files failed", zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}

	data := gin.H{
		"Bucket":      f.ns.Name,
		"Prefix":      f.ns.PathPrefix,
		"NoticeTitle": f.opts.NoticeTitle,
		"Notice":      f.opts.Notice,
		"Files":       false,
	}
	if len(records) > 0 {
		files := make([]indexFile, 0, len(records))
		for _, rec := range records {
			files = append(files, indexFile{FileRecord: rec, IsImage: bucket.IsImage(rec.ContentType)})
		}
		data["Files"] = files
	}
	ctx.HTML(http.StatusOK, views.IndexTemplate, data)
}

// Upload streams the multipart "file" field into the store.
func (f *FileController) Upload(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, f.opts.MaxUploadBytes+multipartOverhead)

	part, err := f.filePart(ctx.Request)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.ErrorJSON(ctx, http.StatusBadRequest, errTooLarge.Error())
			return
		}
		utils.ErrorJSON(ctx, http.StatusBadRequest, msgNoFileUploaded)
		return
	}
	defer part.Close()

	name, err := f.ns.Policy.StoredName(part.FileName())
	if err != nil {
		if errors.Is(err, bucket.ErrEmptyName) {
			utils.ErrorJSON(ctx, http.StatusBadRequest, msgNoFileUploaded)
			return
		}
		f.logger.Error("naming failed", zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	body := &sizeGuard{r: part, max: f.opts.MaxUploadBytes}
	rec, err := f.store.Put(ctx.Request.Context(), f.ns.Name, name, contentType, body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.Is(err, errTooLarge) || errors.As(err, &maxErr) {
			utils.ErrorJSON(ctx, http.StatusBadRequest, errTooLarge.Error())
			return
		}
		f.logger.Error("upload failed", zap.String("filename", name), zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}

	f.logger.Info("file uploaded", zap.String("id", rec.ID), zap.String("filename", rec.Filename), zap.Int64("length", rec.Length))
	f.opts.Cache.InvalidateByPrefix(ctx.Request.Context(), StatsCachePrefix)
	if f.ns.Response == bucket.RespondJSON {
		ctx.JSON(http.StatusOK, gin.H{"file": rec})
		return
	}
	ctx.Redirect(http.StatusSeeOther, f.ns.Root())
}

// filePart advances the multipart stream to the "file" field without buffering the body.
func (f *FileController) filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

// sizeGuard fails the read that crosses max bytes.
type sizeGuard struct {
	r   io.Reader
	n   int64
	max int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.n += int64(n)
	if g.n > g.max {
		return n, errTooLarge
	}
	return n, err
}

// List returns every record of the namespace as JSON.
func (f *FileController) List(ctx *gin.Context) {
	records, err := f.store.List(ctx.Request.Context(), f.ns.Name)
	if err != nil {
		f.logger.Error("list files failed", zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	if len(records) == 0 {
		utils.ErrorJSON(ctx, http.StatusNotFound, msgNoFilesExist)
		return
	}
	ctx.JSON(http.StatusOK, records)
}

// resolve looks up :id as a record id first and as a stored filename second.
func (f *FileController) resolve(ctx *gin.Context) (*models.FileRecord, bool) {
	id := ctx.Param("id")
	rctx := ctx.Request.Context()
	rec, err := f.store.Get(rctx, f.ns.Name, id)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = f.store.FindByName(rctx, f.ns.Name, id)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		utils.ErrorJSON(ctx, http.StatusNotFound, msgNoFileExists)
		return nil, false
	case err != nil:
		f.logger.Error("lookup failed", zap.String("id", id), zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}

// Show returns one record as JSON.
func (f *FileController) Show(ctx *gin.Context) {
	rec, ok := f.resolve(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, rec)
}

// Image streams a JPEG or PNG inline.
func (f *FileController) Image(ctx *gin.Context) {
	rec, ok := f.resolve(ctx)
	if !ok {
		return
	}
	if !bucket.IsImage(rec.ContentType) {
		utils.ErrorJSON(ctx, http.StatusNotFound, msgNotAnImage)
		return
	}
	f.stream(ctx, rec, nil)
}

// Download streams any file as an attachment under its stored name.
func (f *FileController) Download(ctx *gin.Context) {
	rec, ok := f.resolve(ctx)
	if !ok {
		return
	}
	f.stream(ctx, rec, map[string]string{
		"Content-Disposition": `attachment; filename="` + quoteEscaper.Replace(rec.Filename) + `"`,
	})
}

// stream copies the object to the client. Once the status line is out, a broken read can only
// be logged; the declared Content-Length then goes unmet and the connection is closed.
func (f *FileController) stream(ctx *gin.Context, rec *models.FileRecord, headers map[string]string) {
	rc, err := f.store.OpenReadStream(ctx.Request.Context(), f.ns.Name, rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		utils.ErrorJSON(ctx, http.StatusNotFound, msgNoFileExists)
		return
	}
	if err != nil {
		f.logger.Error("open stream failed", zap.String("id", rec.ID), zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	// Pull the first bytes before any header goes out, so a store that cannot read at all
	// still gets a proper error response.
	br := bufio.NewReaderSize(rc, streamBufferSize)
	if _, err := br.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		f.logger.Error("stream failed", zap.String("id", rec.ID), zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h := ctx.Writer.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(rec.Length, 10))
	for k, v := range headers {
		h.Set(k, v)
	}
	ctx.Status(http.StatusOK)

	written, err := io.Copy(ctx.Writer, br)
	if err != nil {
		f.logger.Error("stream interrupted",
			zap.String("id", rec.ID),
			zap.Int64("written", written),
			zap.Int64("length", rec.Length),
			zap.Error(err),
		)
		_ = ctx.Error(err)
		ctx.Abort()
	}
}

// Delete removes a file and sends the browser back to the listing.
func (f *FileController) Delete(ctx *gin.Context) {
	id := ctx.Param("id")
	rctx := ctx.Request.Context()

	err := f.store.Delete(rctx, f.ns.Name, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
		if rec, ferr := f.store.FindByName(rctx, f.ns.Name, id); ferr == nil {
			err = f.store.Delete(rctx, f.ns.Name, rec.ID)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidID):
		utils.ErrorJSON(ctx, http.StatusNotFound, msgNoFileExists)
		return
	default:
		f.logger.Error("delete failed", zap.String("id", id), zap.Error(err))
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}

	f.logger.Info("file deleted", zap.String("id", id))
	f.opts.Cache.InvalidateByPrefix(rctx, StatsCachePrefix)
	ctx.Redirect(http.StatusSeeOther, f.ns.Root())
}
