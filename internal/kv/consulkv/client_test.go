package consulkv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wiresmith/internal/kv"
)

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Get(context.Background(), "wiresmith/peers/abc")
	if err != kv.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGet_DecodesValue(t *testing.T) {
	want := []byte(`{"public_key":"abc"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, wantURI := r.URL.Path, "/v1/kv/wiresmith/peers/abc%2Fxyz"; got != wantURI {
			t.Errorf("request path = %q, want %q", got, wantURI)
		}
		entries := []consulEntry{{Key: "wiresmith/peers/abc/xyz", Value: base64.StdEncoding.EncodeToString(want)}}
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(context.Background(), "wiresmith/peers/abc/xyz")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("Get() = %s, want %s", got, want)
	}
}

func TestGet_SetsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("X-Consul-Token"), "s3cr3t"; got != want {
			t.Errorf("token header = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "s3cr3t", "")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = c.Get(context.Background(), "key")
}

func TestList_ReturnsEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("recurse"); got != "true" {
			t.Errorf("recurse query = %q, want true", got)
		}
		entries := []consulEntry{
			{Key: "wiresmith/peers/a", Value: base64.StdEncoding.EncodeToString([]byte("a"))},
			{Key: "wiresmith/peers/b", Value: base64.StdEncoding.EncodeToString([]byte("b"))},
		}
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.List(context.Background(), "wiresmith/peers/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(got))
	}
}

func TestPut_SessionOwnershipRequiresSessionID(t *testing.T) {
	c, err := New("http://127.0.0.1:0", "", "")
	if err != nil {
		t.Fatal(err)
	}
	err = c.Put(context.Background(), "key", []byte("v"), kv.OwnershipSession, "")
	if err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestPut_AcquireFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("acquire"); got != "sess-1" {
			t.Errorf("acquire query = %q, want sess-1", got)
		}
		_, _ = w.Write([]byte("false"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	err = c.Put(context.Background(), "key", []byte("v"), kv.OwnershipSession, "sess-1")
	if err == nil {
		t.Fatal("expected error when acquire returns false")
	}
}

func TestAcquireLock_SucceedsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := c.AcquireLock(context.Background(), "locks/reconcile", "sess-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}
}

func TestAcquireLock_GivesUpAfterWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("false"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	ok, err := c.AcquireLock(context.Background(), "locks/reconcile", "sess-1", 300*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected lock acquisition to fail")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("returned too quickly: %s", elapsed)
	}
}

func TestCreateSession_ReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/session/create" {
			return
		}
		var req sessionCreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Behavior != "delete" {
			t.Errorf("behavior = %q, want delete", req.Behavior)
		}
		_ = json.NewEncoder(w).Encode(sessionCreateResponse{ID: "sess-1"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.CreateSession(context.Background(), 15*time.Second, "wiresmith-test")
	if err != nil {
		t.Fatal(err)
	}
	if id != "sess-1" {
		t.Errorf("session id = %q, want sess-1", id)
	}
	if err := c.DestroySession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyStatus_TransientVsFatal(t *testing.T) {
	if err := classifyStatus("op", http.StatusInternalServerError, nil); !kv.IsTransient(err) {
		t.Errorf("500 should classify as transient, got %v", err)
	}
	if err := classifyStatus("op", http.StatusBadRequest, nil); kv.IsTransient(err) {
		t.Errorf("400 should classify as fatal, got %v", err)
	}
}
