package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lookevink/srs-preprocessing/internal/fsutil"
	"github.com/lookevink/srs-preprocessing/internal/pipeline"
	"github.com/lookevink/srs-preprocessing/internal/stab"
)

// handleStabilize accepts a multipart upload of ordered frame files (or a
// single zip archive of them), stabilizes the stack, and responds with a zip
// containing the corrected frames and the alignment report.
func (s *Server) handleStabilize(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart request: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	// Validate the method before touching any upload content so bad
	// requests fail fast.
	method := r.FormValue("method")
	if _, err := stab.ParseMethod(method); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fill := r.FormValue("fill")
	if fill != "" && fill != string(stab.FillBlack) && fill != string(stab.FillEdge) {
		http.Error(w, fmt.Sprintf("unknown fill mode %q", fill), http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		http.Error(w, "no frame files in request", http.StatusBadRequest)
		return
	}

	session, err := fsutil.NewSessionDir(s.cfg.Processing.TempDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(session)

	inputDir := filepath.Join(session, "input")
	framePaths, err := saveUploads(files, inputDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outputDir := filepath.Join(session, "output")
	zipPath := filepath.Join(session, "stabilized.zip")
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobStabilize,
		InputPath: inputDir,
		Output:    outputDir,
		Options: map[string]any{
			"method": method,
			"frames": framePaths,
			"zip":    zipPath,
		},
	}
	if fill != "" {
		job.Options["fill"] = fill
	}

	res, err := s.enqueueAndWait(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if res.Error != nil {
		http.Error(w, res.Error.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="stabilized.zip"`)
	w.Header().Set("X-Job-ID", job.ID)
	http.ServeFile(w, r, zipPath)
}

// handleConvert accepts a vendor microscope file and responds with the
// OME-TIFF produced by bfconvert.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart request: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		http.Error(w, "expected exactly one file", http.StatusBadRequest)
		return
	}
	name := filepath.Base(files[0].Filename)
	if !fsutil.IsRawStackFile(name) {
		http.Error(w, fmt.Sprintf("unsupported input format %q", filepath.Ext(name)), http.StatusBadRequest)
		return
	}

	session, err := fsutil.NewSessionDir(s.cfg.Processing.TempDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(session)

	inputPath := filepath.Join(session, name)
	if err := saveUpload(files[0], inputPath); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outputDir := filepath.Join(session, "converted")
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobConvert,
		InputPath: inputPath,
		Output:    outputDir,
	}

	res, err := s.enqueueAndWait(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if res.Error != nil {
		http.Error(w, res.Error.Error(), http.StatusUnprocessableEntity)
		return
	}

	outputFile, _ := res.Meta["output"].(string)
	if outputFile == "" {
		http.Error(w, "conversion produced no output", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(outputFile)))
	w.Header().Set("X-Job-ID", job.ID)
	http.ServeFile(w, r, outputFile)
}

// saveUploads persists multipart parts into dir. A single zip part is
// expanded; otherwise each part must be a frame image. Returned paths are in
// natural frame order.
func saveUploads(files []*multipart.FileHeader, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if len(files) == 1 && strings.EqualFold(filepath.Ext(files[0].Filename), ".zip") {
		archive := filepath.Join(dir, "upload.zip")
		if err := saveUpload(files[0], archive); err != nil {
			return nil, err
		}
		paths, err := fsutil.Unzip(archive, dir)
		if err != nil {
			return nil, fmt.Errorf("extract archive: %w", err)
		}
		var frames []string
		for _, p := range paths {
			if fsutil.IsFrameFile(p) {
				frames = append(frames, p)
			}
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("archive contains no frame images")
		}
		return frames, nil
	}

	var frames []string
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if !fsutil.IsFrameFile(name) {
			return nil, fmt.Errorf("unsupported frame format %q", filepath.Ext(name))
		}
		dst := filepath.Join(dir, name)
		if err := saveUpload(fh, dst); err != nil {
			return nil, err
		}
		frames = append(frames, dst)
	}
	fsutil.SortNatural(frames)
	return frames, nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
