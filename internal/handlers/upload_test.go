package handlers_test

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/middleware"
)

func (e *testEnv) upload(t *testing.T, field, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="input.bin"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", "/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	token, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestUpload_Success(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("\x89PNG\r\n\x1a\nfake")

	w := env.upload(t, "image", "image/png", data)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "上传成功", body["message"])
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(data), body["data_url"])
	assert.Equal(t, float64(len(data)), body["size"])
	assert.Equal(t, "image/png", body["type"])
}

func TestUpload_Rejections(t *testing.T) {
	env := newTestEnv(t)

	w := env.upload(t, "", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "未上传图片", decode(t, w)["error"])

	w = env.upload(t, "image", "image/gif", []byte("GIF89a"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "仅支持 JPEG、PNG、WebP 格式", decode(t, w)["error"])

	w = env.upload(t, "image", "image/jpeg", make([]byte, handlers.MaxUploadSize+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "图片大小不能超过 10MB", decode(t, w)["error"])
}

func TestUpload_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "", "POST", "/api/upload", nil).Code)
}
