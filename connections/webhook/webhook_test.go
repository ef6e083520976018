package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
)

func connect(t *testing.T, cfg, global modconfig.Config) *Conn {
	t.Helper()
	c, err := New(cfg, global)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wc := c.(*Conn)
	if err := wc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return wc
}

func TestConnect_ValidatesURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     modconfig.Config
		global  modconfig.Config
		wantErr bool
	}{
		{"missing", nil, nil, true},
		{"relative", modconfig.Config{"url": "/hooks/x"}, nil, true},
		{"bad scheme", modconfig.Config{"url": "ftp://example.com/x"}, nil, true},
		{"bad timeout", modconfig.Config{"url": "https://example.com", "timeout": "soon"}, nil, true},
		{"instance", modconfig.Config{"url": "https://example.com/hook"}, nil, false},
		{"global fallback", nil, modconfig.Config{"url": "http://example.com/hook"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := New(tc.cfg, tc.global)
			err := c.Connect(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Connect() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestPost(t *testing.T) {
	t.Parallel()

	var (
		gotBody   map[string]any
		gotHeader string
		gotType   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := connect(t,
		modconfig.Config{"url": srv.URL},
		modconfig.Config{"headers": map[string]any{"X-Token": "abc"}},
	)
	if c.URL() != srv.URL {
		t.Fatalf("URL()=%q", c.URL())
	}
	if err := c.Post(context.Background(), map[string]any{"message": "hello"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotBody["message"] != "hello" || gotHeader != "abc" || gotType != "application/json" {
		t.Fatalf("body=%v header=%q type=%q", gotBody, gotHeader, gotType)
	}
	_ = c.Disconnect(context.Background())
}

func TestPost_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := connect(t, modconfig.Config{"url": srv.URL}, nil)
	err := c.Post(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway || se.Body != "nope" {
		t.Fatalf("Post() err=%v, want StatusError 502", err)
	}
}

func TestPost_NotConnected(t *testing.T) {
	t.Parallel()
	c, _ := New(modconfig.Config{"url": "https://example.com"}, nil)
	if err := c.(*Conn).Post(context.Background(), nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Post() err=%v, want ErrNotConnected", err)
	}
}
