package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = fmt.Errorf("%w: file exceeds maximum allowed size", ErrValidation)
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = fmt.Errorf("%w: file type not allowed", ErrValidation)
	// ErrUploadScanFailed indicates validation of the file failed.
	ErrUploadScanFailed = fmt.Errorf("%w: file scanning failed", ErrValidation)
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService validates media and hands it to storage, returning a reference for messages.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, identityID string) (dto.UploadResponse, error)
}

type uploadService struct {
	storage FileStorage
	repo    repository.UploadRepository
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewUploadService constructs an upload service.
func NewUploadService(storage FileStorage, repo repository.UploadRepository, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &uploadService{
		storage: storage,
		repo:    repo,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-chat/internal/service/upload"),
	}
}

func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader, identityID string) (dto.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.store")
	defer span.End()

	span.SetAttributes(attribute.Int64("upload.max_bytes", s.maxSize), attribute.String("upload.identity_id", identityID))

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	reject := func(reason string, err error) (dto.UploadResponse, error) {
		if reason != "" {
			observability.UploadRejected().WithLabelValues(reason).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.UploadResponse{}, err
	}

	if strings.TrimSpace(identityID) == "" {
		return reject("", ErrUnauthenticated)
	}
	if file == nil {
		return reject("", fmt.Errorf("%w: file is required", ErrValidation))
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return reject("size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		return reject("", err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		return reject("", err)
	}
	if int64(buf.Len()) > s.maxSize {
		return reject("size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	mimeType := strings.ToLower(detected.String())
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	category := mediaCategory(mimeType)
	span.SetAttributes(attribute.String("upload.detected_mime", mimeType), attribute.String("upload.category", category))
	if !isAllowedMime(mimeType) {
		return reject("type", ErrUploadTypeNotAllowed)
	}

	if err := s.scan(buf.Bytes(), mimeType); err != nil {
		return reject("scan", err)
	}

	checksum := sha256.Sum256(buf.Bytes())
	sanitizedName := sanitizeFileName(file.Filename, detected.Extension())
	span.SetAttributes(
		attribute.String("upload.sanitized_name", sanitizedName),
		attribute.Int64("upload.size_bytes", int64(buf.Len())),
	)

	url, err := s.storage.Upload(ctx, sanitizedName, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return reject("storage", err)
	}

	record := models.UploadRecord{
		IdentityID: identityID,
		FileName:   sanitizedName,
		URL:        url,
		MimeType:   mimeType,
		Category:   category,
		SizeBytes:  int64(buf.Len()),
		Checksum:   hex.EncodeToString(checksum[:]),
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		return reject("", err)
	}

	observability.UploadRequests().WithLabelValues(category).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("identity_id", identityID).Str("category", category).Int64("size_bytes", record.SizeBytes).Msg("media stored")

	return dto.UploadResponse{
		MediaRef: dto.MediaRef{
			URL:       url,
			FileName:  record.FileName,
			SizeBytes: record.SizeBytes,
			MimeType:  record.MimeType,
			Category:  category,
		},
		Checksum: record.Checksum,
	}, nil
}

func (s *uploadService) scan(payload []byte, mime string) error {
	if strings.Contains(mime, "zip") {
		reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
		if err != nil {
			return ErrUploadScanFailed
		}
		var totalUncompressed uint64
		for _, f := range reader.File {
			totalUncompressed += f.UncompressedSize64
			if totalUncompressed > uint64(s.maxSize*20) {
				return fmt.Errorf("zip archive uncompressed size too large: %w", ErrUploadScanFailed)
			}
		}
	}
	return nil
}

func sanitizeFileName(name, detectedExt string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("upload-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = detectedExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

func mediaCategory(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MessageKindImage
	case strings.HasPrefix(mime, "video/"):
		return models.MessageKindVideo
	default:
		return models.MessageKindFile
	}
}

func isAllowedMime(mime string) bool {
	switch {
	case mime == "image/svg+xml":
		return false
	case strings.HasPrefix(mime, "image/"), strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"):
		return true
	case strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument."):
		return true
	}

	switch mime {
	case "application/pdf", "application/zip", "application/x-zip-compressed", "application/msword", "text/plain", "text/csv":
		return true
	default:
		return false
	}
}
