package enrich

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

func TestDeriveSessionIDPriority(t *testing.T) {
	// Порядок источников — контракт: заголовок сессии всегда главнее тела
	tests := []struct {
		name    string
		headers map[string]string
		payload *domain.EventPayload
		query   string
		want    string
	}{
		{
			name:    "session header wins over body ids",
			headers: map[string]string{"X-Session-ID": "sess-1", "X-Anonymous-ID": "anon-h"},
			payload: &domain.EventPayload{AnonymousID: "anon-b", UserID: "user-b"},
			want:    "sess-1",
		},
		{
			name:    "anonymousId from body",
			payload: &domain.EventPayload{AnonymousID: "anon-b", UserID: "user-b"},
			want:    "anon-b",
		},
		{
			name:    "userId when no anonymousId",
			payload: &domain.EventPayload{UserID: "user-b"},
			want:    "user-b",
		},
		{
			name:    "anonymous header when body is empty",
			headers: map[string]string{"X-Anonymous-ID": "anon-h"},
			payload: &domain.EventPayload{},
			want:    "anon-h",
		},
		{
			name:    "query param as the last explicit source",
			payload: &domain.EventPayload{},
			query:   "sessionId=q-1",
			want:    "q-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/v1/track"
			if tt.query != "" {
				url += "?" + tt.query
			}
			r := httptest.NewRequest(http.MethodPost, url, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := DeriveSessionID(r, tt.payload); got != tt.want {
				t.Fatalf("expected session id %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDeriveSessionIDGenerated(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/track", nil)
	a := DeriveSessionID(r, &domain.EventPayload{})
	b := DeriveSessionID(r, &domain.EventPayload{})
	if a == "" || b == "" {
		t.Fatal("generated session id must not be empty")
	}
	if a == b {
		t.Fatalf("generated ids must be unique, got %q twice", a)
	}
}

func TestEnrichDefaults(t *testing.T) {
	e := New(zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/v1/track", nil)
	r.Header.Set("User-Agent", "test-sdk/1.0")
	r.Header.Set("Origin", "https://app.example.com")

	out := e.EnrichSingle(domain.EventPayload{Event: "signup"}, domain.TypeTrack, r)

	if out.MessageID == "" {
		t.Fatal("expected messageId to be defaulted")
	}
	if out.Timestamp == "" {
		t.Fatal("expected timestamp to be defaulted")
	}
	if out.Provenance == nil {
		t.Fatal("expected provenance block")
	}
	if out.Provenance.Source != "single" {
		t.Fatalf("expected source single, got %q", out.Provenance.Source)
	}
	if out.Provenance.UserAgent != "test-sdk/1.0" {
		t.Fatalf("unexpected user agent: %q", out.Provenance.UserAgent)
	}

	mw, ok := out.Context["middleware"].(map[string]interface{})
	if !ok {
		t.Fatal("expected middleware sub-object in context")
	}
	if mw["intercepted"] != true {
		t.Fatal("expected intercepted=true in middleware block")
	}
	if _, ok := out.Context["library"]; !ok {
		t.Fatal("expected default library descriptor")
	}
}

func TestEnrichNeverOverwritesCallerFields(t *testing.T) {
	e := New(zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/v1/track", nil)

	in := domain.EventPayload{
		Event:     "signup",
		MessageID: "msg-1",
		Timestamp: "2026-01-01T00:00:00Z",
		Context: map[string]interface{}{
			"library": map[string]interface{}{"name": "custom-sdk"},
			"locale":  "ru-RU",
		},
	}
	out := e.EnrichSingle(in, domain.TypeTrack, r)

	if out.MessageID != "msg-1" {
		t.Fatalf("messageId overwritten: %q", out.MessageID)
	}
	if out.Timestamp != "2026-01-01T00:00:00Z" {
		t.Fatalf("timestamp overwritten: %q", out.Timestamp)
	}
	lib, _ := out.Context["library"].(map[string]interface{})
	if lib["name"] != "custom-sdk" {
		t.Fatalf("caller library descriptor overwritten: %#v", lib)
	}
	if out.Context["locale"] != "ru-RU" {
		t.Fatal("caller context fields must survive enrichment")
	}
	// Исходная структура вызывающего не мутируется
	if _, ok := in.Context["middleware"]; ok {
		t.Fatal("enrichment must not mutate the caller's context map")
	}
}

func TestEnrichBatchItemProvenance(t *testing.T) {
	e := New(zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/v1/batch", nil)

	out := e.EnrichBatchItem(domain.EventPayload{Event: "x"}, domain.TypeTrack, r, 4)
	if out.Provenance.Source != "batch" {
		t.Fatalf("expected source batch, got %q", out.Provenance.Source)
	}
	if out.Provenance.BatchIndex != 4 {
		t.Fatalf("expected batch index 4, got %d", out.Provenance.BatchIndex)
	}
}

func TestSanitizeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Cookie", "sid=1")
	h.Set("X-Api-Key", "key-1")
	h.Set("X-Auth-Token", "tok-1")
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "sdk/1.0")

	out := SanitizeHeaders(h)

	for _, banned := range []string{"Authorization", "Cookie", "X-Api-Key", "X-Auth-Token"} {
		if _, ok := out[banned]; ok {
			t.Fatalf("sensitive header %q leaked into sanitized set", banned)
		}
	}
	if out["Content-Type"] != "application/json" {
		t.Fatal("regular headers must survive sanitization")
	}
}
