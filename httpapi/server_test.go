package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linecaptcha/lineserver/config"
	"github.com/linecaptcha/lineserver/httpapi"
	"github.com/linecaptcha/lineserver/logger"
	"github.com/linecaptcha/lineserver/metrics"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
)

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	s := store.NewMemoryStore()
	signer, err := token.NewSigner(cfg.Secret)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return httpapi.New(cfg, s, signer, metrics.NewMetrics(), logger.New(logger.LevelError))
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type newResp struct {
	ChallengeID string     `json:"challengeId"`
	Nonce       string     `json:"nonce"`
	Token       string     `json:"token"`
	StartPoint  [2]float64 `json:"startPoint"`
}

func TestHandleNew_IssuesChallenge(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/captcha/line/new", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body newResp
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.ChallengeID == "" || body.Token == "" || body.Nonce == "" {
		t.Fatalf("missing fields in response: %+v", body)
	}
}

func TestHandlePeek_UnknownChallenge(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/captcha/line/peek", map[string]any{
		"challengeId": "does-not-exist",
		"nonce":       "x",
		"token":       "bogus",
		"cursor":      [2]float64{0, 0},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePeek_AfterNew(t *testing.T) {
	srv := newTestServer(t)
	newRec := postJSON(t, srv.Handler(), "/captcha/line/new", map[string]any{})
	var nr newResp
	if err := json.Unmarshal(newRec.Body.Bytes(), &nr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	peekRec := postJSON(t, srv.Handler(), "/captcha/line/peek", map[string]any{
		"challengeId": nr.ChallengeID,
		"nonce":       nr.Nonce,
		"token":       nr.Token,
		"cursor":      nr.StartPoint,
	})
	if peekRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", peekRec.Code, peekRec.Body.String())
	}
}

func TestHandleVerify_RejectsShortTrajectory(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/captcha/line/verify", map[string]any{
		"challengeId": "whatever",
		"nonce":       "x",
		"token":       "bogus",
		"pointerType": "mouse",
		"trajectory":  []map[string]any{{"x": 0, "y": 0, "t": 0}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleVerify_UnknownChallenge(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/captcha/line/verify", map[string]any{
		"challengeId": "missing",
		"nonce":       "x",
		"token":       "bogus",
		"pointerType": "mouse",
		"trajectory": []map[string]any{
			{"x": 0, "y": 0, "t": 0},
			{"x": 1, "y": 1, "t": 10},
		},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleNew_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/captcha/line/new", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/captcha/line/new", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestBrotliCompression(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("expected br encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
}
