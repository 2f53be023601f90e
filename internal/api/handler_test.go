/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/auth"
	"github.com/loqalabs/loqa-voice/internal/delivery"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/mailer"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/storage"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/transcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "api-test-secret"

type stubEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	err      error
}

func (s *stubEngine) Synthesize(ctx context.Context, req engine.Request) (*engine.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &engine.Response{Filename: "out123.wav", Duration: "1.5"}, nil
}

type stubTranscoder struct {
	calls atomic.Int32
}

func (s *stubTranscoder) Transcode(ctx context.Context, src, dst string, format transcode.Format) error {
	s.calls.Add(1)
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte(string(format)+":"), data...), 0o644)
}

type stubMailer struct {
	sent []*mailer.Message
}

func (s *stubMailer) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	s.sent = append(s.sent, msg)
	return "<msg-1@example.com>", nil
}

type testEnv struct {
	router     http.Handler
	assets     *assets.Store
	engine     *stubEngine
	transcoder *stubTranscoder
	mailer     *stubMailer
	verifier   *auth.Verifier
}

func newTestEnv(t *testing.T, perMinute int) *testEnv {
	t.Helper()
	base := t.TempDir()

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: filepath.Join(base, "voice.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := assets.NewStore(assets.Config{
		StagingDir: filepath.Join(base, "staging"),
		VoicesDir:  filepath.Join(base, "voices"),
		OutputsDir: filepath.Join(base, "outputs"),
	})
	require.NoError(t, err)

	env := &testEnv{
		assets:     store,
		engine:     &stubEngine{},
		transcoder: &stubTranscoder{},
		mailer:     &stubMailer{},
		verifier:   auth.NewVerifier(testSecret),
	}

	reg := registry.New(storage.NewVoiceModelsStore(db), store, env.transcoder, nil)
	orch := synthesis.New(synthesis.Config{
		PublicBaseURL: "http://localhost:3001",
		DefaultVoices: []string{"default_female"},
	}, reg, env.engine, storage.NewSynthesisRecordsStore(db), nil)
	t.Cleanup(orch.Close)

	h, err := New(Options{
		Registry:         reg,
		Synthesis:        orch,
		Delivery:         delivery.New(store, env.transcoder, env.mailer),
		Assets:           store,
		MaxUploadBytes:   1 << 20,
		ConvertPerMinute: perMinute,
		ConvertBurst:     1,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	h.AttachPublic(r)
	r.Route("/api", func(r chi.Router) {
		r.Use(env.verifier.Middleware)
		h.Attach(r)
	})
	env.router = r
	return env
}

func (e *testEnv) token(t *testing.T, ownerID int64) string {
	t.Helper()
	token, err := e.verifier.Sign(&auth.Claims{ID: ownerID, Email: fmt.Sprintf("user%d@example.com", ownerID)})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, ownerID int64, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if ownerID > 0 {
		req.Header.Set("Authorization", "Bearer "+e.token(t, ownerID))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, ownerID int64, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, ownerID, method, target, bytes.NewReader(data), "application/json")
}

func (e *testEnv) upload(t *testing.T, ownerID int64, modelName, fileName string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("modelName", modelName))
	if fileName != "" {
		part, err := mw.CreateFormFile("voiceSample", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return e.do(t, ownerID, http.MethodPost, "/api/models/custom", &buf, mw.FormDataContentType())
}

func (e *testEnv) putOutput(t *testing.T, name, content string) {
	t.Helper()
	p, err := e.assets.Path(assets.RootOutputs, name)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func stagingEntries(t *testing.T, store *assets.Store) int {
	t.Helper()
	dir, err := store.Dir(assets.RootStaging)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, target := range []string{"/api/models/my-models", "/api/download/wav?fileUrl=x.wav"} {
		rec := env.do(t, 0, http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestModelLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, 7, http.MethodGet, "/api/models/my-models", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":[],"count":0,"maxCount":3}`, rec.Body.String())

	// Scenario A
	rec = env.upload(t, 7, "My Voice", "a.wav", []byte("RIFF"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "My Voice", created["name"])
	firstID := int64(created["modelId"].(float64))

	// Scenario B
	for i := 0; i < 2; i++ {
		rec = env.upload(t, 7, fmt.Sprintf("Voice %d", i), "b.mp3", []byte("ID3"))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = env.upload(t, 7, "Too many", "c.wav", []byte("RIFF"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", decodeBody(t, rec)["kind"])
	assert.Equal(t, 0, stagingEntries(t, env.assets))

	rec = env.do(t, 7, http.MethodGet, "/api/models/my-models", nil, "")
	list := decodeBody(t, rec)
	assert.EqualValues(t, 3, list["count"])
	assert.Len(t, list["models"], 3)

	// Another owner cannot delete, and gets the same answer as for a missing id
	notOwned := env.do(t, 8, http.MethodDelete, fmt.Sprintf("/api/models/custom/%d", firstID), nil, "")
	missing := env.do(t, 7, http.MethodDelete, "/api/models/custom/9999", nil, "")
	malformed := env.do(t, 7, http.MethodDelete, "/api/models/custom/abc", nil, "")
	assert.Equal(t, http.StatusNotFound, notOwned.Code)
	assert.Equal(t, notOwned.Body.String(), missing.Body.String())
	assert.Equal(t, notOwned.Body.String(), malformed.Body.String())

	rec = env.do(t, 7, http.MethodDelete, fmt.Sprintf("/api/models/custom/%d", firstID), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["message"])

	rec = env.do(t, 7, http.MethodGet, "/api/models/my-models", nil, "")
	assert.EqualValues(t, 2, decodeBody(t, rec)["count"])
}

func TestCreateModel_InvalidUploads(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name      string
		modelName string
		fileName  string
		content   []byte
	}{
		{"no file", "Voice", "", nil},
		{"unsupported extension", "Voice", "notes.txt", []byte("hi")},
		{"empty file", "Voice", "a.wav", nil},
		{"missing name", "  ", "a.wav", []byte("RIFF")},
		{"too large", "Voice", "a.wav", bytes.Repeat([]byte{1}, 2<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, 7, tt.modelName, tt.fileName, tt.content)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["kind"])
		})
	}
	assert.Equal(t, 0, stagingEntries(t, env.assets))
}

func TestConvert(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.upload(t, 7, "My Voice", "a.wav", []byte("RIFF"))
	require.Equal(t, http.StatusCreated, rec.Code)
	modelID := int64(decodeBody(t, rec)["modelId"].(float64))

	// Scenario C, model id as a JSON number
	rec = env.doJSON(t, 7, http.MethodPost, "/api/convert", map[string]any{"text": "hello", "modelId": modelID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody(t, rec)
	assert.Equal(t, "Completed", result["status"])
	assert.Equal(t, "out123.wav", result["filename"])
	assert.Equal(t, "http://localhost:3001/storage/out123.wav", result["url"])
	assert.Equal(t, "1.5", result["duration"])
	assert.True(t, strings.HasPrefix(result["id"].(string), synthesis.RequestIDPrefix))

	// Model id as a string, and a default voice
	rec = env.doJSON(t, 7, http.MethodPost, "/api/convert", map[string]any{"text": "hello", "modelId": fmt.Sprint(modelID)})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.doJSON(t, 7, http.MethodPost, "/api/convert", map[string]any{"text": "hello", "modelId": "default_female"})
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.engine.requests, 3)
	assert.Equal(t, "default_female.wav", env.engine.requests[2].SpeakerWav)

	// Someone else's model
	rec = env.doJSON(t, 8, http.MethodPost, "/api/convert", map[string]any{"text": "hello", "modelId": modelID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, env.engine.requests, 3)
}

func TestConvert_Errors(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name     string
		body     string
		engine   error
		wantCode int
		wantKind string
	}{
		{"missing model", `{"text":"hello"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing text", `{"modelId":"default_female"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad json", `{"text":`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown default", `{"text":"hi","modelId":"default_robot"}`, nil, http.StatusNotFound, "NOT_FOUND"},
		{"engine down", `{"text":"hi","modelId":"default_female"}`, engine.ErrUnavailable, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"engine error", `{"text":"hi","modelId":"default_female"}`, &engine.UpstreamError{StatusCode: 500, Detail: "speaker not found"}, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"bad engine payload", `{"text":"hi","modelId":"default_female"}`, engine.ErrInvalidResponse, http.StatusBadGateway, "INVALID_UPSTREAM_RESPONSE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.engine.err = tt.engine
			rec := env.do(t, 7, http.MethodPost, "/api/convert", strings.NewReader(tt.body), "application/json")
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeBody(t, rec)["kind"])
		})
	}
}

func TestConvert_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	body := map[string]any{"text": "hello", "modelId": "default_female"}

	assert.Equal(t, http.StatusOK, env.doJSON(t, 7, http.MethodPost, "/api/convert", body).Code)

	rec := env.doJSON(t, 7, http.MethodPost, "/api/convert", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeBody(t, rec)["kind"])

	// Buckets are per owner
	assert.Equal(t, http.StatusOK, env.doJSON(t, 8, http.MethodPost, "/api/convert", body).Code)
}

func TestDownloads(t *testing.T) {
	env := newTestEnv(t, 0)
	env.putOutput(t, "out123.wav", "RIFFDATA")
	fileURL := "http%3A%2F%2Flocalhost%3A3001%2Fstorage%2Fout123.wav"

	rec := env.do(t, 7, http.MethodGet, "/api/download/wav?fileUrl="+fileURL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFFDATA", rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=out123.wav`)

	// Scenario D
	rec = env.do(t, 7, http.MethodGet, "/api/download/mp3?fileUrl="+fileURL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mp3:RIFFDATA", rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.True(t, env.assets.Exists(assets.RootOutputs, "out123.mp3"))

	rec = env.do(t, 7, http.MethodGet, "/api/download/mp3?fileUrl="+fileURL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mp3:RIFFDATA", rec.Body.String())
	assert.EqualValues(t, 1, env.transcoder.calls.Load())
}

func TestDeleteModel_DropsCachedSampleVariants(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.upload(t, 7, "Mine", "sample.mp3", []byte("ID3"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	modelID := int64(decodeBody(t, rec)["modelId"].(float64))

	voicesDir, err := env.assets.Dir(assets.RootVoices)
	require.NoError(t, err)
	entries, err := os.ReadDir(voicesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	sample := entries[0].Name()
	assert.Equal(t, ".wav", filepath.Ext(sample), "samples are stored as wav")

	rec = env.do(t, 7, http.MethodGet, "/api/download/mp3?fileUrl="+sample, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	variant := transcode.VariantName(sample, transcode.FormatMP3)
	require.True(t, env.assets.Exists(assets.RootVoices, variant))

	rec = env.do(t, 7, http.MethodDelete, fmt.Sprintf("/api/models/custom/%d", modelID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, env.assets.Exists(assets.RootVoices, sample))
	assert.False(t, env.assets.Exists(assets.RootVoices, variant))
	rec = env.do(t, 7, http.MethodGet, "/api/download/wav?fileUrl="+variant, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloads_Errors(t *testing.T) {
	env := newTestEnv(t, 0)
	env.putOutput(t, "out123.wav", "RIFFDATA")

	tests := []struct {
		target   string
		wantCode int
	}{
		{"/api/download/wav", http.StatusBadRequest},
		{"/api/download/wav?fileUrl=missing.wav", http.StatusNotFound},
		{"/api/download/mp3?fileUrl=missing.wav", http.StatusNotFound},
		{"/api/download/aac?fileUrl=out123.wav", http.StatusBadRequest},
		{"/api/download/wav?fileUrl=..%2F..%2Fetc%2Fpasswd", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := env.do(t, 7, http.MethodGet, tt.target, nil, "")
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
	assert.EqualValues(t, 0, env.transcoder.calls.Load())
}

func TestSendEmail(t *testing.T) {
	env := newTestEnv(t, 0)
	env.putOutput(t, "out123.wav", "RIFFDATA")

	rec := env.doJSON(t, 7, http.MethodPost, "/api/send-email", map[string]string{
		"recipientEmail": "friend@example.com",
		"text":           "listen to this",
		"fileUrl":        "http://localhost:3001/storage/out123.wav",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"success": true,
		"messageId": "<msg-1@example.com>",
		"sender": "user7@example.com",
		"recipient": "friend@example.com"
	}`, rec.Body.String())

	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, "user7@example.com", env.mailer.sent[0].ReplyTo)

	rec = env.doJSON(t, 7, http.MethodPost, "/api/send-email", map[string]string{
		"recipientEmail": "not-an-address",
		"fileUrl":        "out123.wav",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, 7, http.MethodPost, "/api/send-email", map[string]string{
		"recipientEmail": "friend@example.com",
		"fileUrl":        "gone.wav",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicStorage(t *testing.T) {
	env := newTestEnv(t, 0)
	env.putOutput(t, "out123.wav", "RIFFDATA")

	rec := env.do(t, 0, http.MethodGet, "/storage/out123.wav", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFFDATA", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	rec = env.do(t, 0, http.MethodGet, "/storage/missing.wav", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDefaultVoices(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, 7, http.MethodGet, "/api/models/defaults", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"voices":["default_female"]}`, rec.Body.String())
}

func TestSelectorValue(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"modelId": 12}`, "12"},
		{`{"modelId": "12"}`, "12"},
		{`{"modelId": "default_male"}`, "default_male"},
		{`{"modelId": null}`, ""},
		{`{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var req convertRequest
			require.NoError(t, json.Unmarshal([]byte(tt.input), &req))
			assert.Equal(t, tt.want, string(req.ModelID))
		})
	}

	var req convertRequest
	assert.Error(t, json.Unmarshal([]byte(`{"modelId": [1]}`), &req))
}

func TestOwnerLimiter(t *testing.T) {
	assert.True(t, (*ownerLimiter)(nil).Allow(1))
	assert.Nil(t, newOwnerLimiter(0, 5))

	now := time.Unix(1_700_000_000, 0)
	l := newOwnerLimiter(60, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))
	assert.True(t, l.Allow(2))

	now = now.Add(time.Second)
	assert.True(t, l.Allow(1))

	now = now.Add(limiterIdleTTL + time.Second)
	l.prune(now)
	assert.Empty(t, l.entries)
}

func TestNew_RequiresServices(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
