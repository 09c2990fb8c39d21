package utils

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cppla/filebox/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestErrorJSON(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ErrorJSON(c, http.StatusNotFound, "No file exists")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"err":"No file exists"}`, w.Body.String())
	assert.True(t, c.IsAborted())
}

func TestNoticeHTMLStripsScripts(t *testing.T) {
	got := string(NoticeHTML(`<b>Maintenance</b> tonight<script>alert(1)</script><a href="javascript:x()">x</a>`))
	assert.Contains(t, got, "<b>Maintenance</b> tonight")
	assert.NotContains(t, got, "<script")
	assert.NotContains(t, got, "javascript:")
}

func TestGinzapAndRecovery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	r := gin.New()
	r.Use(Ginzap(logger, time.RFC3339, true), RecoveryWithZap(logger, true))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "fine") })
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok?x=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	access := logs.FilterMessage("/ok").All()
	require.Len(t, access, 1)
	assert.Equal(t, int64(200), access[0].ContextMap()["status"])
	assert.Equal(t, "x=1", access[0].ContextMap()["query"])
	assert.Len(t, logs.FilterMessage("[Recovery from panic]").All(), 1)
}

func TestRecoveryRethrowsAbortHandler(t *testing.T) {
	r := gin.New()
	r.Use(RecoveryWithZap(zap.NewNop(), false))
	r.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}

func TestNewRollingFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gin.log")
	l, err := NewRollingFileLogger(path, "info", 1, 1, 1, false)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}

func TestInitLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger, Sugar = prev, prev.Sugar() })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, InitLogger(config.AppConfig{LogLevel: "warn", LogPath: path}))
	assert.False(t, Logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, Logger.Core().Enabled(zap.WarnLevel))
	Logger.Warn("written")
	_ = Logger.Sync()
	assert.FileExists(t, path)
}

func TestNewRedisClientDisabledWithoutHost(t *testing.T) {
	assert.Nil(t, NewRedisClient(config.AppConfig{}))
}
