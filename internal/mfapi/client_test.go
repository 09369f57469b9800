package mfapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onenonlycasper/mediafire-fuse/internal/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	c.SetSession(&Session{SessionToken: "tok", SecretKey: "12345", Time: "1409086539.3201"})
	return c, ts
}

func TestFolderCreate_Success(t *testing.T) {
	var gotParent, gotName, gotToken string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotParent = r.Form.Get("parent_key")
		gotName = r.Form.Get("foldername")
		gotToken = r.Form.Get("session_token")
		fmt.Fprint(w, `{"response":{"result":"Success","folder_key":"j1r9z4b1z7u"}}`)
	}))
	defer ts.Close()

	key, err := c.FolderCreate(context.Background(), "parent123", "docs")
	if err != nil {
		t.Fatalf("FolderCreate: %v", err)
	}
	if key != "j1r9z4b1z7u" {
		t.Errorf("key = %q, want j1r9z4b1z7u", key)
	}
	if gotParent != "parent123" || gotName != "docs" {
		t.Errorf("sent parent=%q name=%q", gotParent, gotName)
	}
	if gotToken != "tok" {
		t.Errorf("session_token = %q, want tok", gotToken)
	}
}

func TestFolderCreate_RootParent(t *testing.T) {
	var hasParent bool
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		hasParent = r.Form.Has("parent_key")
		fmt.Fprint(w, `{"response":{"result":"Success","folder_key":"abc"}}`)
	}))
	defer ts.Close()

	if _, err := c.FolderCreate(context.Background(), RootFolderKey, "top"); err != nil {
		t.Fatalf("FolderCreate: %v", err)
	}
	if hasParent {
		t.Error("parent_key should be omitted for the root folder")
	}
}

func TestAPIError_NotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		fmt.Fprint(w, `{"response":{"result":"Error","error":112,"message":"Folder already exists"}}`)
	}))
	defer ts.Close()

	_, err := c.FolderCreate(context.Background(), "", "dup")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != 112 {
		t.Errorf("code = %d, want 112", apiErr.Code)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("remote-side errors must not be retried, got %d attempts", n)
	}
}

func TestServerError_Retried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"response":{"result":"Success","folder_key":"abc"}}`)
	}))
	defer ts.Close()

	key, err := c.FolderCreate(context.Background(), "", "retried")
	if err != nil {
		t.Fatalf("FolderCreate after retries: %v", err)
	}
	if key != "abc" {
		t.Errorf("key = %q", key)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestUploadSimple(t *testing.T) {
	var gotBody []byte
	var gotName string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("filename")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"response":{"result":"Success","doupload":{"key":"upload42"}}}`)
	}))
	defer ts.Close()

	key, err := c.UploadSimple(context.Background(), "K", "b.txt", strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("UploadSimple: %v", err)
	}
	if key != "upload42" {
		t.Errorf("upload key = %q, want upload42", key)
	}
	if string(gotBody) != "hello" {
		t.Errorf("body = %q, want hello", gotBody)
	}
	if gotName != "b.txt" {
		t.Errorf("filename = %q, want b.txt", gotName)
	}
}

func TestUploadPollStatus(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{"result":"Success","doupload":{"status":"99","fileerror":"0"}}}`)
	}))
	defer ts.Close()

	status, fileError, err := c.UploadPollStatus(context.Background(), "upload42")
	if err != nil {
		t.Fatalf("UploadPollStatus: %v", err)
	}
	if status != StatusUploadComplete {
		t.Errorf("status = %d, want %d", status, StatusUploadComplete)
	}
	if fileError != 0 {
		t.Errorf("fileError = %d, want 0", fileError)
	}
}

func TestFetchHierarchy(t *testing.T) {
	var gotRevision string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotRevision = r.Form.Get("revision")
		fmt.Fprint(w, `{"response":{"result":"Success","device_revision":7,
			"folders":[{"folderkey":"F1","parent_folderkey":"","name":"a","revision":3}],
			"files":[{"quickkey":"Q1","parent_folderkey":"F1","filename":"c.txt","size":"12","hash":"deadbeef","revision":5}]}}`)
	}))
	defer ts.Close()

	h, err := c.FetchHierarchy(context.Background(), 4)
	if err != nil {
		t.Fatalf("FetchHierarchy: %v", err)
	}
	if gotRevision != "4" {
		t.Errorf("revision param = %q, want 4", gotRevision)
	}
	if h.Revision != 7 {
		t.Errorf("Revision = %d, want 7", h.Revision)
	}
	if len(h.Folders) != 1 || h.Folders[0].FolderKey != "F1" {
		t.Errorf("Folders = %+v", h.Folders)
	}
	if len(h.Files) != 1 || h.Files[0].Size != 12 {
		t.Errorf("Files = %+v", h.Files)
	}
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/file/get_links.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":{"result":"Success","links":[{"quickkey":"Q1","direct_download":"%s/content/Q1"}]}}`, ts.URL)
	})
	mux.HandleFunc("/content/Q1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file content"))
	})

	c := New(Config{BaseURL: ts.URL, RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond}})
	c.SetSession(&Session{SessionToken: "tok", SecretKey: "1", Time: "1"})

	rc, _, err := c.Download(context.Background(), "Q1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "file content" {
		t.Errorf("content = %q", data)
	}
}

func TestGetSessionToken(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("email") != "user@example.com" || r.Form.Get("signature") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"response":{"result":"Success","session_token":"newtok","secret_key":"54321","time":"1409086539.0"}}`)
	}))
	defer ts.Close()

	s, err := c.GetSessionToken(context.Background(), "user@example.com", "hunter2", "42511", "apikey")
	if err != nil {
		t.Fatalf("GetSessionToken: %v", err)
	}
	if s.SessionToken != "newtok" || s.SecretKey != "54321" {
		t.Errorf("session = %+v", s)
	}
	if c.Session().SessionToken != "newtok" {
		t.Error("session not installed on client")
	}
}

func TestSessionFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "session")
	s := &Session{Email: "u@example.com", SessionToken: "tok", SecretKey: "9", Time: "1.0"}

	if err := SaveSession(path, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if *got != *s {
		t.Errorf("loaded %+v, want %+v", got, s)
	}

	if err := DeleteSession(path); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := LoadSession(path); err == nil {
		t.Error("expected error after delete")
	}
}

func TestTransportFailure_Offline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := New(Config{BaseURL: ts.URL, RetryConfig: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond}})
	c.SetSession(&Session{SessionToken: "t", SecretKey: "1", Time: "1"})
	ts.Close() // all calls now fail at transport level

	if _, err := c.FolderCreate(context.Background(), "", "x"); err == nil {
		t.Fatal("expected transport error")
	}
	if c.IsOnline() {
		t.Error("client should report offline after transport failure")
	}
}
