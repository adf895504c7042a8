package backendauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/dittolabs/ditto/internal"
)

func newReq(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/chat/completions?stream=false", nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestBearer(t *testing.T) {
	t.Parallel()
	a, err := New(&gateway.BackendAuth{Type: "bearer", Token: "sk-live"})
	if err != nil {
		t.Fatal(err)
	}
	req := newReq(t)
	if err := a.Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-live" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestHeader(t *testing.T) {
	t.Parallel()
	a, err := New(&gateway.BackendAuth{Type: "header", Name: "x-api-key", Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	req := newReq(t)
	if err := a.Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("x-api-key"); got != "secret" {
		t.Errorf("x-api-key = %q", got)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	a, err := New(&gateway.BackendAuth{Type: "query", Name: "key", Token: "qk"})
	if err != nil {
		t.Fatal(err)
	}
	req := newReq(t)
	if err := a.Apply(req); err != nil {
		t.Fatal(err)
	}
	q := req.URL.Query()
	if q.Get("key") != "qk" || q.Get("stream") != "false" {
		t.Errorf("query = %q, existing params must survive", req.URL.RawQuery)
	}
}

func TestOAuth2FetchesAndCachesToken(t *testing.T) {
	t.Parallel()
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	a, err := New(&gateway.BackendAuth{Type: "oauth2", TokenURL: ts.URL, ClientID: "cid", ClientSecret: "cs"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		req := newReq(t)
		if err := a.Apply(req); err != nil {
			t.Fatal(err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Fatalf("Authorization = %q", got)
		}
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", calls)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	cases := []*gateway.BackendAuth{
		{Type: "bearer"},
		{Type: "header", Token: "t"},
		{Type: "query", Name: "k"},
		{Type: "oauth2", ClientID: "cid"},
		{Type: "hmac"},
	}
	for _, c := range cases {
		if _, err := New(c); err == nil {
			t.Errorf("New(%+v) should fail", c)
		}
	}
	if a, err := New(nil); err != nil || a == nil {
		t.Error("nil auth should yield a no-op applier")
	}
}
