package http

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"absurdroom/internal/app"
	"absurdroom/internal/config"
	"absurdroom/internal/deck"
	"absurdroom/internal/domain"
	"absurdroom/internal/events"
	"absurdroom/internal/identity"
	"absurdroom/internal/store"
)

type testEnv struct {
	handler http.Handler
	rooms   *app.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewRealClock()
	st, err := store.NewMemoryStore(clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rooms := app.NewService(st, deck.Default(), events.NewLogPublisher(zerolog.Nop()), app.Options{Clock: clock}, zerolog.Nop())
	sessions, err := identity.NewProvider("secret", time.Hour, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	t.Cleanup(func() {
		rooms.Close()
		st.Close()
	})

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: "0", Env: "development", PublicURL: "https://absurd.example"},
		Game:   config.GameConfig{OptionCount: 3},
	}
	srv := NewServer(cfg, rooms, sessions, zerolog.Nop())
	return &testEnv{handler: srv.Handler(), rooms: rooms}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool       `json:"success"`
		Data    T          `json:"data"`
		Error   *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp.Data
}

func (e *testEnv) session(t *testing.T) (SessionResponse, *http.Cookie) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected a device cookie, got %v", cookies)
	}
	return decode[SessionResponse](t, rec), cookies[0]
}

func TestSessionReusesDevice(t *testing.T) {
	env := newTestEnv(t)
	first, cookie := env.session(t)

	rec := env.do(t, http.MethodPost, "/api/session", "", nil, cookie)
	second := decode[SessionResponse](t, rec)
	if second.DeviceID != first.DeviceID || second.Token != first.Token {
		t.Errorf("second session %+v differs from first %+v", second, first)
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session(t)

	rec := env.do(t, http.MethodPost, "/api/rooms", sess.Token, CreateRoomRequest{HostName: "  Quiz   Master "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body)
	}
	created := decode[CreateRoomResponse](t, rec)
	if created.Room.HostName != "Quiz Master" || created.Room.HostID != sess.DeviceID {
		t.Errorf("unexpected room %+v", created.Room)
	}
	if created.JoinLink != "https://absurd.example/?room="+created.Room.Code {
		t.Errorf("JoinLink = %s", created.JoinLink)
	}

	rec = env.do(t, http.MethodGet, "/api/rooms/"+created.Room.Code, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	view := decode[app.RoomView](t, rec)
	if view.Status != app.ViewReady || view.Room.Code != created.Room.Code {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestCreateRoomRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/rooms", "", CreateRoomRequest{HostName: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateRoomBodies(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session(t)

	tests := []struct {
		name    string
		body    func() io.Reader
		chunked bool
		want    int
	}{
		{name: "no body", body: func() io.Reader { return http.NoBody }, want: http.StatusCreated},
		{name: "chunked empty body", body: func() io.Reader { return io.NopCloser(strings.NewReader("")) }, chunked: true, want: http.StatusCreated},
		{name: "malformed body", body: func() io.Reader { return strings.NewReader("{") }, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/rooms", tt.body())
			if tt.chunked {
				req.ContentLength = -1
				req.TransferEncoding = []string{"chunked"}
			}
			req.Header.Set("Authorization", "Bearer "+sess.Token)
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusCreated {
				if created := decode[CreateRoomResponse](t, rec); created.Room.HostName != domain.DefaultHostName {
					t.Errorf("HostName = %q, want %q", created.Room.HostName, domain.DefaultHostName)
				}
			}
		})
	}
}

func TestRoomErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/api/rooms/1234", http.StatusNotFound, "ROOM_NOT_FOUND"},
		{"/api/rooms/ab", http.StatusBadRequest, "VALIDATION_FAILED"},
		{"/api/rooms/1234/share", http.StatusNotFound, "ROOM_NOT_FOUND"},
		{"/api/nothing", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("unexpected body %s", rec.Body)
			}
		})
	}
}

func TestShareAndQR(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session(t)
	created := decode[CreateRoomResponse](t, env.do(t, http.MethodPost, "/api/rooms", sess.Token, nil))
	code := created.Room.Code

	share := decode[ShareResponse](t, env.do(t, http.MethodGet, "/api/rooms/"+code+"/share", "", nil))
	if !strings.HasPrefix(share.Text, "ROUND 1  ROOM "+code) {
		t.Errorf("share text = %q", share.Text)
	}
	if !strings.Contains(share.Text, "Reply with 1, 2, 3 or drop your own.") {
		t.Errorf("share text missing call to action: %q", share.Text)
	}

	rec := env.do(t, http.MethodGet, "/api/rooms/"+code+"/qr.png", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr status = %d type %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("qr is not a PNG: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if got := decode[HealthResponse](t, rec); got.Status != "ok" {
		t.Errorf("health = %+v", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header: %v", rec.Header())
	}
}
