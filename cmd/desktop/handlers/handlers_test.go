package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/config"
	"github.com/jcortes/exposurelog/backend/internal/models"
)

// newTestApp builds a full core in a temp dir. The remote endpoint is
// unreachable and the pipeline is never started; handlers only touch
// the local queue.
func newTestApp(t *testing.T) *app.App {
	t.Helper()

	cfg := &config.Config{
		DataDir:          t.TempDir(),
		APIBaseURL:       "http://127.0.0.1:1",
		RequestTimeout:   time.Second,
		BackoffBase:      50 * time.Millisecond,
		BackoffCap:       time.Second,
		PhotoMaxRetries:  5,
		PhotoConcurrency: 2,
		DebounceWindow:   0,
		LogLevel:         "error",
		ListenAddr:       "localhost:0",
	}

	core, err := app.New(cfg)
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

// validReport is a payload the validators accept.
func validReport() *models.ExposurePayload {
	return &models.ExposurePayload{
		ExposureType:    "noise",
		DurationMinutes: 45,
		Location:        models.Location{Latitude: 51.5, Longitude: -0.1},
		Severity:        "high",
	}
}

// queueReport enqueues a report directly and returns its client id.
func queueReport(t *testing.T, core *app.App) models.UUID {
	t.Helper()

	entry, err := core.EnqueueExposure(validReport())
	if err != nil {
		t.Fatalf("failed to queue report: %v", err)
	}
	return entry.ClientID
}

// pngBytes renders a small valid PNG.
func pngBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartPhoto builds a multipart body with one photo part.
func multipartPhoto(t *testing.T, fileName string, data []byte, exif string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("photo", fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write(data)
	if exif != "" {
		writer.WriteField("exif", exif)
	}
	writer.Close()
	return &body, writer.FormDataContentType()
}

// postJSON runs a handler against a JSON body.
func postJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// decodeBody unmarshals a recorded JSON response.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}
