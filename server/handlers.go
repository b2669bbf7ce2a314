package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/gozstd"

	"tangled.org/rknarc.net/gitar/internal/types"
)

// maxDumpsCount bounds one /dumps page.
const maxDumpsCount = 1000

func (s *Server) handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, _ := s.archive.Log().Count()
		sendJSON(w, 200, map[string]interface{}{
			"service": "gitar",
			"version": s.config.Version,
			"dumps":   count,
			"endpoints": []string{
				"/dumps", "/max-update-time", "/has/{sha256}", "/dump/{sha256}",
				"/status", "/ws",
			},
		})
	}
}

func (s *Server) handleDumps() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
		count, _ := strconv.Atoi(q.Get("count"))
		if count <= 0 || count > maxDumpsCount {
			count = maxDumpsCount
		}
		var columns []string
		if raw := q.Get("columns"); raw != "" {
			columns = strings.Split(raw, ",")
		}
		rows, err := s.archive.Log().DumpsSince(since, count, columns)
		if err != nil {
			sendJSON(w, 400, map[string]string{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		sendJSON(w, 200, map[string]interface{}{"dumps": rows})
	}
}

func (s *Server) handleMaxUpdateTime() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxUT, err := s.archive.Log().MaxUpdateTime()
		if err != nil {
			sendJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		sendJSON(w, 200, map[string]int64{"max_update_time": maxUT})
	}
}

// handleHas answers the sink protocol: 204 when the dump is archived,
// 404 when it is not.
func (s *Server) handleHas() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sha, ok := cleanSHA256(r.PathValue("sha256"))
		if !ok {
			sendJSON(w, 400, map[string]string{"error": "bad sha256"})
			return
		}
		needs, err := s.archive.Log().Needs(sha)
		if err != nil {
			sendJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		if needs {
			w.WriteHeader(404)
			return
		}
		w.WriteHeader(204)
	}
}

// handleDump streams a stored dump by content hash, zstd-compressed
// when the name carries a .zst suffix.
func (s *Server) handleDump() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		compress := strings.HasSuffix(name, ".zst")
		name = strings.TrimSuffix(name, ".zst")

		sha, ok := cleanSHA256(name)
		if !ok {
			sendJSON(w, 400, map[string]string{"error": "bad sha256"})
			return
		}
		blobOID, err := s.archive.Log().XMLGitBySHA256(sha)
		if err != nil {
			sendJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		if blobOID == "" {
			sendJSON(w, 404, map[string]string{"error": "unknown dump"})
			return
		}

		if !compress {
			w.Header().Set("Content-Type", "application/xml")
			if err := s.archive.Store().ReadBlob(r.Context(), blobOID, w); err != nil {
				s.logger.Printf("server: stream %s failed: %v", blobOID[:12], err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/zstd")
		zw := gozstd.NewWriter(w)
		defer zw.Release()
		if err := s.archive.Store().ReadBlob(r.Context(), blobOID, zw); err != nil {
			s.logger.Printf("server: stream %s failed: %v", blobOID[:12], err)
			return
		}
		if err := zw.Close(); err != nil {
			s.logger.Printf("server: zstd flush failed: %v", err)
		}
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := s.archive.Log()
		count, _ := log.Count()
		maxUT, _ := log.MaxUpdateTime()
		maxST, _ := log.MaxSigningTime()
		sendJSON(w, 200, map[string]interface{}{
			"version":          s.config.Version,
			"uptime":           time.Since(s.startTime).Round(time.Second).String(),
			"dumps":            count,
			"max_update_time":  maxUT,
			"max_signing_time": maxST,
			"misordered":       s.archive.Misordered(),
			"ws_clients":       s.notify.clients(),
		})
	}
}

// handleUpload is the write side of the forwarding sink: an
// authenticated peer PUTs the dump pair, which goes through the exact
// same verify-dedup-store path as a donor fetch.
func (s *Server) handleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.config.UploadToken {
			sendJSON(w, 401, map[string]string{"error": "bad token"})
			return
		}
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			sendJSON(w, 400, map[string]string{"error": "bad multipart body"})
			return
		}

		dir, err := os.MkdirTemp("", "gitar-upload-")
		if err != nil {
			sendJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		defer os.RemoveAll(dir)

		snap := &types.Snapshot{
			XMLPath: filepath.Join(dir, types.DumpXML),
			SigPath: filepath.Join(dir, types.DumpSig),
			Source:  "upload:" + r.RemoteAddr,
		}
		if err := saveFormFile(r, "xml", snap.XMLPath); err != nil {
			sendJSON(w, 400, map[string]string{"error": err.Error()})
			return
		}
		if err := saveFormFile(r, "sig", snap.SigPath); err != nil {
			sendJSON(w, 400, map[string]string{"error": err.Error()})
			return
		}

		result, err := s.archive.StoreSnapshot(r.Context(), snap)
		if err != nil {
			sendJSON(w, 422, map[string]string{"error": err.Error()})
			return
		}
		if result.Skipped {
			sendJSON(w, 200, map[string]interface{}{"skipped": true})
			return
		}
		sendJSON(w, 201, map[string]interface{}{
			"commit":       result.CommitHash,
			"signing_time": result.Record.SigningTime,
		})
	}
}

func saveFormFile(r *http.Request, field, dst string) error {
	src, _, err := r.FormFile(field)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
