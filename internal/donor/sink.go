package donor

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"tangled.org/rknarc.net/gitar/internal/types"
)

// Sink is a write-capable peer archive newly fetched content can be
// forwarded to.
type Sink interface {
	// Needs reports whether the peer lacks the given dump hash.
	Needs(ctx context.Context, xmlSHA256 string) (bool, error)

	// Upload hands the snapshot to the peer.
	Upload(ctx context.Context, snap *types.Snapshot) error
}

// HTTPSink talks to another gitar instance's read/write API.
type HTTPSink struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  types.Logger
}

func (s *HTTPSink) client() *http.Client {
	if s.Client == nil {
		s.Client = &http.Client{Timeout: 30 * time.Minute}
	}
	return s.Client
}

// Needs probes the peer's per-hash endpoint: 204 means present, 404
// means missing.
func (s *HTTPSink) Needs(ctx context.Context, xmlSHA256 string) (bool, error) {
	url := fmt.Sprintf("%s/has/%s", s.BaseURL, xmlSHA256)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, ErrFetch.Wrap(err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	resp, err := s.client().Do(req)
	if err != nil {
		return false, ErrFetch.Wrap(err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return false, nil
	case http.StatusNotFound:
		return true, nil
	default:
		return false, ErrFetch.New("sink %s: unexpected status %d", s.BaseURL, resp.StatusCode)
	}
}

// Upload PUTs the dump pair as multipart form files.
func (s *HTTPSink) Upload(ctx context.Context, snap *types.Snapshot) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(func() error {
			for field, path := range map[string]string{"xml": snap.XMLPath, "sig": snap.SigPath} {
				part, err := mw.CreateFormFile(field, field)
				if err != nil {
					return err
				}
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				_, err = io.Copy(part, f)
				f.Close()
				if err != nil {
					return err
				}
			}
			return mw.Close()
		}())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.BaseURL+"/dump", pr)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := s.client().Do(req)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ErrFetch.New("sink upload status %d: %s", resp.StatusCode, body)
	}
	if s.Logger != nil {
		s.Logger.Printf("sink: forwarded %s to %s", snap.Source, s.BaseURL)
	}
	return nil
}
