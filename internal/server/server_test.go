package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kernelpeek/internal/testutil/testlog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{Host: "127.0.0.1", Port: 0, MaxInspectTime: time.Second})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func encodePayload(t *testing.T, value any) string {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeInspect(t *testing.T, w *httptest.ResponseRecorder) inspectResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp inspectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestInspectTabularColumns(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	payload := map[string]any{
		"a": []any{1, 2, 3},
		"b": []any{4, 5, 6},
		"c": []any{7, 8, 9},
	}
	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-1",
		"declaredType":  "pandas.core.frame.DataFrame",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, payload),
		"timeoutMs":     2000,
	}))
	if !resp.Success || resp.ID != "req-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.ResultText, "Shape: 3x3") {
		t.Fatalf("unexpected result: %q", resp.ResultText)
	}
	if !strings.Contains(resp.ResultText, "Columns: a, b, c") {
		t.Fatalf("columns missing: %q", resp.ResultText)
	}
}

func TestInspectTabularNullStats(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	payload := map[string]any{
		"a": []any{1, nil, 3},
		"b": []any{4, 5, 6},
	}
	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-nulls",
		"declaredType":  "pandas.DataFrame",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, payload),
	}))
	if !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.ResultText, "Nulls: a=1") {
		t.Fatalf("null stats missing: %q", resp.ResultText)
	}
	if strings.Contains(resp.ResultText, "b=") {
		t.Fatalf("null-free column reported: %q", resp.ResultText)
	}
}

func TestInspectNDArrayShape(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	payload := []any{
		[]any{1, 2, 3},
		[]any{4, 5, 6},
	}
	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-2",
		"declaredType":  "numpy.ndarray",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, payload),
	}))
	if !resp.Success || !strings.HasPrefix(resp.ResultText, "Shape: (2, 3)") {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.ResultText, "Dtype: number") {
		t.Fatalf("dtype missing: %q", resp.ResultText)
	}
	if !strings.Contains(resp.ResultText, "Range: [1, 6]") {
		t.Fatalf("range missing: %q", resp.ResultText)
	}
}

func TestInspectSeries(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-3",
		"declaredType":  "pandas.core.series.Series",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, []any{10, 20, 30, 40, 50, 60, 70}),
	}))
	if !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.ResultText, "Length: 7") {
		t.Fatalf("unexpected result: %q", resp.ResultText)
	}
	if !strings.Contains(resp.ResultText, "Head: 10, 20, 30, 40, 50") {
		t.Fatalf("head preview wrong: %q", resp.ResultText)
	}
}

func TestInspectPickleRejected(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-4",
		"declaredType":  "pandas.DataFrame",
		"encodingKind":  EncodingPickle,
		"payloadBase64": "AAECAw==",
	}))
	if resp.Success {
		t.Fatal("pickle payload accepted")
	}
	if !strings.Contains(resp.Error, "unsupported encoding") || resp.ID != "req-4" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInspectUnknownType(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-5",
		"declaredType":  "torch.Tensor",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, []any{1}),
	}))
	if resp.Success || !strings.Contains(resp.Error, "no inspection capability") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInspectBadPayload(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-6",
		"declaredType":  "pandas.DataFrame",
		"encodingKind":  EncodingJSON,
		"payloadBase64": "%%% not base64 %%%",
	}))
	if resp.Success || !strings.Contains(resp.Error, "payload decode") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRegisterAndTypes(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/register", map[string]string{
		"typeName":      "polars.DataFrame",
		"capabilityRef": CapabilityTabular,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, "/types", nil)
	if !strings.Contains(w.Body.String(), "polars.DataFrame") {
		t.Fatalf("registered type missing: %s", w.Body.String())
	}

	// Newly bound type resolves through the collapsed form too.
	resp := decodeInspect(t, doJSON(t, s, http.MethodPost, "/inspect", map[string]any{
		"id":            "req-7",
		"declaredType":  "polars.dataframe.frame.DataFrame",
		"encodingKind":  EncodingJSON,
		"payloadBase64": encodePayload(t, map[string]any{"x": []any{1}}),
	}))
	if !resp.Success {
		t.Fatalf("collapsed lookup failed: %+v", resp)
	}
}

func TestRegisterUnknownCapability(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/register", map[string]string{
		"typeName":      "x.Y",
		"capabilityRef": "no-such-formatter",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown capability accepted: %d %s", w.Code, w.Body.String())
	}
}

func TestShutdownEndpoint(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/shutdown", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("shutdown status %d", w.Code)
	}
	select {
	case <-s.shutdown:
	default:
		t.Fatal("shutdown channel not closed")
	}
	// A second request must not panic on the already-closed channel.
	if w := doJSON(t, s, http.MethodPost, "/shutdown", nil); w.Code != http.StatusOK {
		t.Fatalf("repeat shutdown status %d", w.Code)
	}
}

func TestCapabilityTimeout(t *testing.T) {
	testlog.Start(t)

	slow := func(any) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "done", nil
	}
	if _, err := runCapability(slow, nil, 20*time.Millisecond); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}

	panicky := func(any) (string, error) { panic("boom") }
	if _, err := runCapability(panicky, nil, time.Second); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic conversion, got %v", err)
	}
}
