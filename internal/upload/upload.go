// Package upload validates multipart file attachments and materializes them
// as temp files for the analysis pipeline. Files live only for the duration
// of one task; the pipeline removes them on every exit path.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Attachment kinds, derived from the declared MIME type.
const (
	KindImage = "image"
	KindAudio = "audio"
)

// Multipart field names accepted by the submission endpoint.
const (
	FieldImages = "images"
	FieldAudio  = "audio"
)

// Sentinel errors for attachment validation failures. Both map to a 4xx at
// the API layer; their messages are user-facing.
var (
	ErrFileTooLarge    = errors.New("文件过大")
	ErrUnsupportedType = errors.New("不支持的文件类型")
)

// File is one materialized attachment.
type File struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
	Kind     string
}

// Saver writes validated attachments into the upload directory.
type Saver struct {
	dir      string
	maxBytes int64
}

// NewSaver creates the upload directory if needed and returns a Saver.
func NewSaver(dir string, maxBytes int64) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Saver{dir: dir, maxBytes: maxBytes}, nil
}

// Collect validates and materializes the image and audio parts of a parsed
// multipart form. Images are repeated under "images"; at most one audio file
// is accepted under "audio" (extras are ignored). On any validation or write
// failure, already-materialized files are removed.
func (s *Saver) Collect(form *multipart.Form) ([]File, error) {
	if form == nil {
		return nil, nil
	}

	var files []File
	fail := func(err error) ([]File, error) {
		_ = Remove(files)
		return nil, err
	}

	for _, fh := range form.File[FieldImages] {
		f, err := s.save(fh, KindImage)
		if err != nil {
			return fail(err)
		}
		files = append(files, f)
	}

	if audio := form.File[FieldAudio]; len(audio) > 0 {
		f, err := s.save(audio[0], KindAudio)
		if err != nil {
			return fail(err)
		}
		files = append(files, f)
	}

	return files, nil
}

func (s *Saver) save(fh *multipart.FileHeader, kind string) (File, error) {
	if fh.Size > s.maxBytes {
		return File{}, fmt.Errorf("%w: %s 超过 %dMB 限制", ErrFileTooLarge, fh.Filename, s.maxBytes>>20)
	}

	mimeType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, kind+"/") {
		return File{}, fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, fh.Filename, mimeType)
	}

	src, err := fh.Open()
	if err != nil {
		return File{}, fmt.Errorf("opening attachment %s: %w", fh.Filename, err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	path := filepath.Join(s.dir, uuid.New().String()+ext)

	dst, err := os.Create(path)
	if err != nil {
		return File{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return File{}, fmt.Errorf("writing temp file: %w", err)
	}

	return File{
		Path:     path,
		Filename: fh.Filename,
		MimeType: mimeType,
		Size:     fh.Size,
		Kind:     kind,
	}, nil
}

// Remove deletes materialized files. Missing files are not an error; a task's
// cleanup may race the retention sweep of the upload directory.
func Remove(files []File) error {
	var errs []error
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns how many of the files are of the given kind.
func Count(files []File, kind string) int {
	n := 0
	for _, f := range files {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// First returns the first file of the given kind, or nil.
func First(files []File, kind string) *File {
	for i := range files {
		if files[i].Kind == kind {
			return &files[i]
		}
	}
	return nil
}
