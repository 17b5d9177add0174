package mayla

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPatientLoginForwardsBodyAndReturnsUpstreamJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/patient/login" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["cpf"] != "12345678900" {
			t.Fatalf("body not forwarded: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.PatientLogin(context.Background(), json.RawMessage(`{"cpf":"12345678900","password":"x"}`))
	if err != nil {
		t.Fatalf("PatientLogin: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(resp, &parsed); err != nil || parsed["token"] != "abc" {
		t.Fatalf("unexpected response: %s", resp)
	}
}

func TestPatientLoginUpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad_credentials"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.PatientLogin(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	ue, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("got %T, want *UpstreamError", err)
	}
	if ue.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ue.Status)
	}
}

func TestPostVitalSignsRequiresBearerToken(t *testing.T) {
	c := New("https://example.invalid")
	_, err := c.PostVitalSigns(context.Background(), json.RawMessage(`{}`), "")
	if err != ErrMissingBearerToken {
		t.Fatalf("got %v, want ErrMissingBearerToken", err)
	}
}

func TestPostVitalSignsForwardsBearerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Fatalf("Authorization header = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.PostVitalSigns(context.Background(), json.RawMessage(`{"bpm":70}`), "tok-123")
	if err != nil {
		t.Fatalf("PostVitalSigns: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("resp = %s", resp)
	}
}

func TestExtractBearerTokenCaseInsensitive(t *testing.T) {
	tok, ok := ExtractBearerToken("BEARER abc")
	if !ok || tok != "abc" {
		t.Fatalf("got (%q, %v)", tok, ok)
	}
}

func TestExtractBearerTokenRejectsMissingOrEmpty(t *testing.T) {
	if _, ok := ExtractBearerToken(""); ok {
		t.Fatal("empty header should not extract")
	}
	if _, ok := ExtractBearerToken("Bearer "); ok {
		t.Fatal("empty token should not extract")
	}
	if _, ok := ExtractBearerToken("Basic xyz"); ok {
		t.Fatal("non-bearer scheme should not extract")
	}
}
