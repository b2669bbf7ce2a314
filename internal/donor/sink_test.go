package donor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tangled.org/rknarc.net/gitar/internal/types"
)

func TestHTTPSinkNeeds(t *testing.T) {
	known := strings.Repeat("a", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/has/"+known {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sink := &HTTPSink{BaseURL: srv.URL, Client: srv.Client(), Logger: &testLogger{t}}
	ctx := context.Background()

	needs, err := sink.Needs(ctx, known)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("peer has the dump but Needs says otherwise")
	}

	needs, err = sink.Needs(ctx, strings.Repeat("b", 64))
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("unknown dump not reported as needed")
	}
}

func TestHTTPSinkUpload(t *testing.T) {
	var gotAuth string
	var gotXML, gotSig []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/dump" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for field, dst := range map[string]*[]byte{"xml": &gotXML, "sig": &gotSig} {
			f, _, err := r.FormFile(field)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			*dst, _ = io.ReadAll(f)
			f.Close()
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "dump.xml")
	sigPath := filepath.Join(dir, "dump.xml.sig")
	os.WriteFile(xmlPath, []byte("<register/>"), 0644)
	os.WriteFile(sigPath, []byte("signature"), 0644)

	sink := &HTTPSink{BaseURL: srv.URL, Token: "secret", Client: srv.Client(), Logger: &testLogger{t}}
	err := sink.Upload(context.Background(), &types.Snapshot{XMLPath: xmlPath, SigPath: sigPath, Source: "test"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("authorization: %q", gotAuth)
	}
	if string(gotXML) != "<register/>" {
		t.Errorf("xml body: %q", gotXML)
	}
	if string(gotSig) != "signature" {
		t.Errorf("sig body: %q", gotSig)
	}
}

func TestHTTPSinkUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "dump.xml")
	sigPath := filepath.Join(dir, "dump.xml.sig")
	os.WriteFile(xmlPath, []byte("x"), 0644)
	os.WriteFile(sigPath, []byte("y"), 0644)

	sink := &HTTPSink{BaseURL: srv.URL, Client: srv.Client()}
	err := sink.Upload(context.Background(), &types.Snapshot{XMLPath: xmlPath, SigPath: sigPath})
	if !ErrFetch.Has(err) {
		t.Errorf("rejected upload not surfaced: %v", err)
	}
}
