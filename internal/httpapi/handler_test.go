package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/client"
	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/remote/remotetest"
)

func newTestRouter(t *testing.T, fake *remotetest.Fake) *gin.Engine {
	t.Helper()
	logger := zerolog.Nop()
	c, err := client.New(client.Options{
		SelfID: "me",
		Store:  fake,
		Logger: &logger,
		Retry:  client.RetryPolicy{MaxRetries: 1, Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, AttemptTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(c.Close)
	return NewRouter(NewHandler(c), logger, false)
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp Response
	decodeInto(t, w, &resp)
	if resp.Success || resp.Error == nil {
		t.Fatalf("expected error envelope, got %q", w.Body.String())
	}
	return resp.Error.Code
}

func listMessages(t *testing.T, r *gin.Engine, roomID string) []domain.Message {
	t.Helper()
	w := do(t, r, http.MethodGet, "/rooms/"+roomID+"/messages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Messages []domain.Message `json:"messages"`
		} `json:"data"`
	}
	decodeInto(t, w, &resp)
	return resp.Data.Messages
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, remotetest.NewFake())

	if w := do(t, r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	w := do(t, r, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "roomsync_") {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestSendAndListMessages(t *testing.T) {
	r := newTestRouter(t, remotetest.NewFake())

	w := do(t, r, http.MethodPost, "/rooms/r1/messages", `{"body":"hello"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("send = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success bool           `json:"success"`
		Data    domain.Message `json:"data"`
	}
	decodeInto(t, w, &resp)
	if !resp.Success || resp.Data.LocalID == "" || resp.Data.Body != "hello" {
		t.Fatalf("send response = %+v", resp)
	}
	if resp.Data.State != domain.StatePending {
		t.Fatalf("send snapshot state = %q", resp.Data.State)
	}

	msgs := listMessages(t, r, "r1")
	if len(msgs) != 1 || msgs[0].LocalID != resp.Data.LocalID {
		t.Fatalf("listed = %+v", msgs)
	}
}

func TestSendValidation(t *testing.T) {
	r := newTestRouter(t, remotetest.NewFake())

	w := do(t, r, http.MethodPost, "/rooms/r1/messages", `{"body":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank send = %d", w.Code)
	}
	if code := errorCode(t, w); code != "BAD_REQUEST" {
		t.Fatalf("code = %q", code)
	}
}

func TestEditForeignMessageForbidden(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SeedMessage("r1", "them", "their text", 1000)
	r := newTestRouter(t, fake)

	if w := do(t, r, http.MethodPost, "/rooms/r1/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("refresh = %d", w.Code)
	}
	msgs := listMessages(t, r, "r1")
	if len(msgs) != 1 {
		t.Fatalf("listed = %+v", msgs)
	}

	w := do(t, r, http.MethodPatch, "/rooms/r1/messages/"+msgs[0].LocalID, `{"body":"tampered"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign edit = %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "FORBIDDEN" {
		t.Fatalf("code = %q", code)
	}
}

func TestEditUnknownMessageNotFound(t *testing.T) {
	r := newTestRouter(t, remotetest.NewFake())

	w := do(t, r, http.MethodPatch, "/rooms/r1/messages/nope", `{"body":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown edit = %d", w.Code)
	}
	if code := errorCode(t, w); code != "NOT_FOUND" {
		t.Fatalf("code = %q", code)
	}
}

func TestReactionRoutes(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SeedMessage("r1", "them", "react to me", 1000)
	r := newTestRouter(t, fake)

	if w := do(t, r, http.MethodPost, "/rooms/r1/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("refresh = %d", w.Code)
	}
	mid := listMessages(t, r, "r1")[0].LocalID

	w := do(t, r, http.MethodPost, "/rooms/r1/messages/"+mid+"/reactions", `{"emoji":"😀"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data domain.ReactionSummary `json:"data"`
	}
	decodeInto(t, w, &resp)
	if resp.Data.Count("😀") != 1 {
		t.Fatalf("summary = %+v", resp.Data)
	}

	if w = do(t, r, http.MethodGet, "/rooms/r1/messages/"+mid+"/reactions", ""); w.Code != http.StatusOK {
		t.Fatalf("get reactions = %d", w.Code)
	}

	w = do(t, r, http.MethodPost, "/rooms/r1/messages/"+mid+"/reactions", `{"emoji":"not-emoji"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid emoji = %d", w.Code)
	}
}

func TestSuggestedEmojis(t *testing.T) {
	r := newTestRouter(t, remotetest.NewFake())

	w := do(t, r, http.MethodGet, "/emojis/suggested", "")
	if w.Code != http.StatusOK {
		t.Fatalf("suggested = %d", w.Code)
	}
	var resp struct {
		Data struct {
			Emojis []string `json:"emojis"`
		} `json:"data"`
	}
	decodeInto(t, w, &resp)
	if len(resp.Data.Emojis) != 3 {
		t.Fatalf("suggestions = %v", resp.Data.Emojis)
	}
}
