package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warmupd/internal/storage"
)

func textContent(s string) storage.ContentItem {
	return storage.ContentItem{Type: storage.TypeText, Payload: storage.ContentPayload{Text: s}}
}

func TestSendSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, APIKey: "k1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Send(context.Background(), "inst1", "5511000000001", textContent("hi"), storage.TypeText); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/message/sendText/inst1" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "k1" {
		t.Fatalf("apikey = %q", gotKey)
	}
	if gotBody["number"] != "5511000000001" {
		t.Fatalf("body = %v", gotBody)
	}
	tm, _ := gotBody["textMessage"].(map[string]any)
	if tm["text"] != "hi" {
		t.Fatalf("textMessage = %v", gotBody["textMessage"])
	}
}

func TestSendFailureModes(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantSub string
	}{
		{
			name: "non 2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			wantSub: "status 502",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantSub: "provider body",
		},
		{
			name: "error status field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "instance offline"})
			},
			wantSub: "instance offline",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c, err := New(Options{BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = c.Send(context.Background(), "inst1", "x", textContent("hi"), storage.TypeText)
			if err == nil {
				t.Fatalf("want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Send(context.Background(), "inst1", "x", textContent("hi"), storage.TypeText); err == nil {
		t.Fatalf("want timeout error, got nil")
	}
}

func TestPayloadShapes(t *testing.T) {
	cases := []struct {
		t        storage.MessageType
		item     storage.ContentItem
		wantPath string
		check    func(t *testing.T, body map[string]any)
	}{
		{
			t:        storage.TypeImage,
			item:     storage.ContentItem{Payload: storage.ContentPayload{URL: "https://x/p.jpg", Caption: "c"}},
			wantPath: "/message/sendImage/inst1",
			check: func(t *testing.T, body map[string]any) {
				m, _ := body["imageMessage"].(map[string]any)
				if m["image"] != "https://x/p.jpg" || m["caption"] != "c" {
					t.Fatalf("imageMessage = %v", m)
				}
			},
		},
		{
			t:        storage.TypeAudio,
			item:     storage.ContentItem{Payload: storage.ContentPayload{Base64: "QUJD"}},
			wantPath: "/message/sendAudio/inst1",
			check: func(t *testing.T, body map[string]any) {
				m, _ := body["audioMessage"].(map[string]any)
				if m["audio"] != "QUJD" {
					t.Fatalf("audioMessage = %v", m)
				}
			},
		},
		{
			t:        storage.TypeReaction,
			item:     storage.ContentItem{Payload: storage.ContentPayload{Emojis: []string{"🔥"}}},
			wantPath: "/reaction/send/inst1",
			check: func(t *testing.T, body map[string]any) {
				if body["text"] != "🔥" {
					t.Fatalf("reaction text = %v", body["text"])
				}
				key, _ := body["key"].(map[string]any)
				if key["remoteJid"] != "target1" || key["fromMe"] != false {
					t.Fatalf("reaction key = %v", key)
				}
			},
		},
		{
			// Reply reuses the text endpoint.
			t:        storage.TypeReply,
			item:     textContent("quoted hello"),
			wantPath: "/message/sendText/inst1",
			check: func(t *testing.T, body map[string]any) {
				m, _ := body["textMessage"].(map[string]any)
				if m["text"] != "quoted hello" {
					t.Fatalf("textMessage = %v", m)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(string(tc.t), func(t *testing.T) {
			path, payload := buildRequest("inst1", "target1", tc.item, tc.t)
			if path != tc.wantPath {
				t.Fatalf("path = %q, want %q", path, tc.wantPath)
			}
			b, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var body map[string]any
			_ = json.Unmarshal(b, &body)
			tc.check(t, body)
		})
	}
}

func TestProxyRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/proxy/set/my-instance":
			var p ProxyConfig
			_ = json.NewDecoder(r.Body).Decode(&p)
			if !p.Enabled || p.Host != "10.0.0.1" {
				http.Error(w, "bad payload", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		case r.Method == http.MethodGet && r.URL.Path == "/proxy/find/my-instance":
			_ = json.NewEncoder(w).Encode(ProxyConfig{Enabled: true, Host: "10.0.0.1", Port: "8080", Protocol: "http"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SetProxy(context.Background(), "my-instance", ProxyConfig{Enabled: true, Host: "10.0.0.1", Port: "8080", Protocol: "http"}); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}
	p, err := c.FindProxy(context.Background(), "my-instance")
	if err != nil {
		t.Fatalf("FindProxy: %v", err)
	}
	if !p.Enabled || p.Host != "10.0.0.1" || p.Port != "8080" {
		t.Fatalf("proxy = %+v", p)
	}
}
