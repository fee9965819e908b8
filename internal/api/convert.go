package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/scheduler"
)

// uploadField is the multipart field carrying the document.
const uploadField = "file"

var errMissingFile = errors.New("multipart body has no file field")

// parseConvertRequest reads a document from either a multipart form (field
// "file") or a raw request body. Formats and the timeout come from the query
// string: target, source, timeout and, for raw bodies, filename.
func (s *Server) parseConvertRequest(w http.ResponseWriter, r *http.Request) (scheduler.Request, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	q := r.URL.Query()
	req := scheduler.Request{
		Filename:     q.Get("filename"),
		SourceFormat: q.Get("source"),
		TargetFormat: q.Get("target"),
	}

	if v := q.Get("timeout"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return req, http.StatusBadRequest, err
		}
		req.Timeout = d
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = readMultipart(r, &req)
	} else {
		req.Input, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, http.StatusRequestEntityTooLarge, fmt.Errorf("document exceeds %d bytes", tooLarge.Limit)
		}
		return req, http.StatusBadRequest, err
	}
	return req, 0, nil
}

func readMultipart(r *http.Request, req *scheduler.Request) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return fmt.Errorf("read multipart: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return errMissingFile
		}
		if err != nil {
			return fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		if req.Filename == "" {
			req.Filename = part.FileName()
		}
		req.Input, err = io.ReadAll(part)
		part.Close()
		if err != nil {
			return err
		}
		return nil
	}
}

// parseTimeout accepts a Go duration ("90s") or whole seconds ("90").
func parseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid timeout %q", v)
}

// outputName derives the download name from the uploaded file name.
func outputName(filename, target string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "document"
	}
	return base + "." + target
}

// writeDocument writes converted bytes with a matching content type.
func writeDocument(w http.ResponseWriter, jobID, filename, target string, out []byte) {
	w.Header().Set("Content-Type", model.MIMEType(target))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": outputName(filename, target),
	}))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("X-Job-Id", jobID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// handleConvert converts a document and responds with the result. The job is
// tied to the request: a client that disconnects cancels it.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	req, status, err := s.parseConvertRequest(w, r)
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}

	job, err := s.sched.Submit(r.Context(), req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}

	out, err := job.Wait(r.Context())
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeDocument(w, job.ID, req.Filename, job.TargetFormat, out)
}
