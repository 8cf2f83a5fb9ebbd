package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
)

// UploadService stores chat attachments on disk. The returned URL is what a
// client puts into an image or file message.
type UploadService interface {
	Upload(file multipart.File, header *multipart.FileHeader) (*models.Upload, error)
}

type uploadService struct {
	uploadDir string
	urlPrefix string
	maxSize   int64
}

// NewUploadService creates an UploadService writing into uploadDir. Stored
// files are served under urlPrefix.
func NewUploadService(uploadDir, urlPrefix string, maxSize int64) UploadService {
	return &uploadService{
		uploadDir: uploadDir,
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		maxSize:   maxSize,
	}
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"application/pdf": true,
	"text/plain":      true,
}

func (s *uploadService) Upload(file multipart.File, header *multipart.FileHeader) (*models.Upload, error) {
	if header.Size > s.maxSize {
		return nil, fmt.Errorf("%w: file too large (max %dMB)", pkg.ErrBadRequest, s.maxSize/(1024*1024))
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mimeBase := strings.TrimSpace(strings.Split(contentType, ";")[0])

	if !allowedMimeTypes[mimeBase] {
		return nil, fmt.Errorf("%w: file type not allowed: %s", pkg.ErrBadRequest, mimeBase)
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random filename: %w", err)
	}
	diskFilename := hex.EncodeToString(randomBytes) + "_" + sanitizeFilename(header.Filename)

	destPath := filepath.Join(s.uploadDir, diskFilename)
	destFile, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer destFile.Close()

	// Content-Length can lie; cap what is actually copied.
	written, err := io.Copy(destFile, io.LimitReader(file, s.maxSize+1))
	if err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	if written > s.maxSize {
		os.Remove(destPath)
		return nil, fmt.Errorf("%w: file too large (max %dMB)", pkg.ErrBadRequest, s.maxSize/(1024*1024))
	}

	kind := models.MessageKindFile
	if strings.HasPrefix(mimeBase, "image/") {
		kind = models.MessageKindImage
	}

	return &models.Upload{
		URL:      s.urlPrefix + "/" + diskFilename,
		Kind:     kind,
		Filename: header.Filename,
		Size:     written,
		MimeType: mimeBase,
	}, nil
}

// sanitizeFilename keeps only the base name and drops path separators.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '\x00' {
			return -1
		}
		return r
	}, name)

	if name == "" || name == "." || name == ".." {
		name = "unnamed"
	}

	return name
}
