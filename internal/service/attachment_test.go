package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/mocks"
	"go.uber.org/mock/gomock"
)

// testPNG encodes a tiny but fully decodable PNG.
func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func newAttachmentServiceForTest(t *testing.T) (*AttachmentService, *mocks.MockAttachmentRepository, *artifactstore.Store) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockAttachmentRepository(ctrl)

	store, err := artifactstore.New(artifactstore.Config{Root: t.TempDir()})
	require.NoError(t, err)

	svc, err := NewAttachmentService(AttachmentServiceOptions{
		Repo:    mockRepo,
		Store:   store,
		Storage: config.StorageConfig{},
	})
	require.NoError(t, err)
	return svc, mockRepo, store
}

func TestAttachmentUpload_StoresBytesUnderGeneratedName(t *testing.T) {
	svc, mockRepo, store := newAttachmentServiceForTest(t)
	pngBytes := testPNG(t)

	var storedName string
	mockRepo.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreateAttachmentRequest) (*model.Attachment, error) {
			storedName = req.StoredName
			assert.NotEqual(t, "cat.png", req.StoredName)
			assert.True(t, strings.HasSuffix(req.StoredName, ".png"))
			assert.Equal(t, "image/png", req.MimeType)
			assert.Equal(t, int64(len(pngBytes)), req.ByteSize)
			return &model.Attachment{ID: "att-1", StoredName: req.StoredName}, nil
		})

	got, err := svc.Upload(context.Background(), UploadAttachmentRequest{
		OwnerID:  "user-1",
		FileName: "cat.png",
		Content:  bytes.NewReader(pngBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, "att-1", got.ID)

	// Bytes made it to the store under the generated name.
	rc, err := store.Open(storedName)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, b)
}

func TestAttachmentUpload_Validation(t *testing.T) {
	svc, _, _ := newAttachmentServiceForTest(t)
	pngBytes := testPNG(t)

	// Image-like magic bytes with no decodable image behind them: a bare PNG
	// signature and a BMP header under an allowed extension.
	pngSignatureOnly := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	bmpHeader := append([]byte("BM"), make([]byte, 32)...)

	tests := []struct {
		name string
		req  UploadAttachmentRequest
		want error
	}{
		{
			name: "missing owner",
			req:  UploadAttachmentRequest{FileName: "a.png", Content: bytes.NewReader(pngBytes)},
			want: ErrUploadOwnerRequired,
		},
		{
			name: "missing file name",
			req:  UploadAttachmentRequest{OwnerID: "u", Content: bytes.NewReader(pngBytes)},
			want: ErrUploadFileNameRequired,
		},
		{
			name: "disallowed extension",
			req:  UploadAttachmentRequest{OwnerID: "u", FileName: "a.exe", Content: bytes.NewReader(pngBytes)},
			want: ErrUploadExtension,
		},
		{
			name: "non-image content",
			req:  UploadAttachmentRequest{OwnerID: "u", FileName: "a.png", Content: strings.NewReader("plain text body")},
			want: ErrUploadNotAnImage,
		},
		{
			name: "truncated png signature",
			req:  UploadAttachmentRequest{OwnerID: "u", FileName: "a.png", Content: bytes.NewReader(pngSignatureOnly)},
			want: ErrUploadNotAnImage,
		},
		{
			name: "bmp bytes under allowed extension",
			req:  UploadAttachmentRequest{OwnerID: "u", FileName: "a.jpg", Content: bytes.NewReader(bmpHeader)},
			want: ErrUploadNotAnImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAttachmentUpload_AcceptsWebPContainer(t *testing.T) {
	svc, mockRepo, _ := newAttachmentServiceForTest(t)

	// No stdlib decoder exists for webp; the container magic is enough.
	webpHeader := []byte("RIFF\x2a\x00\x00\x00WEBPVP8 ")

	mockRepo.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreateAttachmentRequest) (*model.Attachment, error) {
			assert.Equal(t, "image/webp", req.MimeType)
			return &model.Attachment{ID: "att-webp", StoredName: req.StoredName}, nil
		})

	got, err := svc.Upload(context.Background(), UploadAttachmentRequest{
		OwnerID:  "user-1",
		FileName: "photo.webp",
		Content:  bytes.NewReader(webpHeader),
	})
	require.NoError(t, err)
	assert.Equal(t, "att-webp", got.ID)
}

func TestAttachmentUpload_CleansUpArtifactWhenRepoFails(t *testing.T) {
	svc, mockRepo, store := newAttachmentServiceForTest(t)

	var storedName string
	mockRepo.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreateAttachmentRequest) (*model.Attachment, error) {
			storedName = req.StoredName
			return nil, assert.AnError
		})

	_, err := svc.Upload(context.Background(), UploadAttachmentRequest{
		OwnerID:  "user-1",
		FileName: "cat.png",
		Content:  bytes.NewReader(testPNG(t)),
	})
	require.Error(t, err)

	_, err = store.Stat(storedName)
	require.ErrorIs(t, err, artifactstore.ErrNotFound)
}

func TestAttachmentGet_OtherOwnerReadsAsNotFound(t *testing.T) {
	svc, mockRepo, _ := newAttachmentServiceForTest(t)

	mockRepo.EXPECT().GetByID(gomock.Any(), "att-2").Return(&model.Attachment{
		ID:      "att-2",
		OwnerID: "someone-else",
	}, nil)

	_, err := svc.Get(context.Background(), "user-1", "att-2")
	require.ErrorIs(t, err, data.ErrAttachmentNotFound)
}

func TestAttachmentDelete_RemovesMetadataAndBytes(t *testing.T) {
	svc, mockRepo, store := newAttachmentServiceForTest(t)

	_, err := store.Save(context.Background(), "stored.png", bytes.NewReader(testPNG(t)))
	require.NoError(t, err)

	mockRepo.EXPECT().GetByID(gomock.Any(), "att-3").Return(&model.Attachment{
		ID:         "att-3",
		OwnerID:    "user-1",
		StoredName: "stored.png",
	}, nil)
	mockRepo.EXPECT().Delete(gomock.Any(), "att-3").Return(true, nil)

	require.NoError(t, svc.Delete(context.Background(), "user-1", "att-3"))

	_, err = store.Stat("stored.png")
	require.ErrorIs(t, err, artifactstore.ErrNotFound)
}

func TestAttachmentListWithCount_RequiresOwner(t *testing.T) {
	svc, _, _ := newAttachmentServiceForTest(t)

	_, err := svc.ListWithCount(context.Background(), model.AttachmentListOptions{})
	require.ErrorIs(t, err, ErrUploadOwnerRequired)
}
