package service

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/models"
)

type storageStub struct {
	uploaded bytes.Buffer
}

func (s *storageStub) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	s.uploaded.Reset()
	_, err := s.uploaded.ReadFrom(reader)
	if err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + name, nil
}

type uploadRepoStub struct {
	record models.UploadRecord
}

func (u *uploadRepoStub) Create(ctx context.Context, record *models.UploadRecord) error {
	u.record = *record
	return nil
}

func TestUploadServiceRejectsSize(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewUploadService(storage, repo, 1, testLogger())

	file := buildFileHeader(t, "file.pdf", bytes.Repeat([]byte("a"), 2*1024*1024))

	_, err := svc.Upload(context.Background(), file, "alice")
	require.ErrorIs(t, err, ErrUploadTooLarge)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, storage.uploaded.Len())
}

func TestUploadServiceTypeValidation(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewUploadService(storage, repo, 5, testLogger())

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`)
	_, err := svc.Upload(context.Background(), buildFileHeader(t, "logo.svg", svg), "alice")
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)

	binary := []byte{0x00, 0x01, 0x02, 0x03, 0xfe, 0xff, 0x00, 0x10}
	_, err = svc.Upload(context.Background(), buildFileHeader(t, "blob.bin", binary), "alice")
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)
}

func TestUploadServiceRequiresIdentity(t *testing.T) {
	svc := NewUploadService(&storageStub{}, &uploadRepoStub{}, 5, testLogger())

	_, err := svc.Upload(context.Background(), buildFileHeader(t, "notes.txt", []byte("plain text")), "")
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.Upload(context.Background(), nil, "alice")
	require.ErrorIs(t, err, ErrValidation)
}

func TestUploadServiceSuccess(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewUploadService(storage, repo, 5, testLogger())

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	file := buildFileHeader(t, "Holiday Photo.PNG", pngHeader)

	resp, err := svc.Upload(context.Background(), file, "alice")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/holiday-photo.png", resp.URL)
	require.Equal(t, "holiday-photo.png", resp.FileName)
	require.Equal(t, models.MessageKindImage, resp.Category)
	require.Equal(t, "image/png", resp.MimeType)
	require.Equal(t, int64(len(pngHeader)), resp.SizeBytes)
	require.Len(t, resp.Checksum, 64)
	require.Equal(t, pngHeader, storage.uploaded.Bytes())

	require.Equal(t, "alice", repo.record.IdentityID)
	require.Equal(t, "image/png", repo.record.MimeType)
	require.Equal(t, models.MessageKindImage, repo.record.Category)
}

func TestUploadServiceAcceptsPlainText(t *testing.T) {
	repo := &uploadRepoStub{}
	svc := NewUploadService(&storageStub{}, repo, 5, testLogger())

	resp, err := svc.Upload(context.Background(), buildFileHeader(t, "notes.txt", []byte("meeting notes\n")), "alice")
	require.NoError(t, err)
	require.Equal(t, models.MessageKindFile, resp.Category)
	require.Equal(t, "text/plain", repo.record.MimeType)
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	writer.Close()

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content) + 1024))
	require.NoError(t, err)
	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}
