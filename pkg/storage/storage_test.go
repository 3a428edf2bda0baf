package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockS3Uploader struct {
	mock.Mock
}

func (m *MockS3Uploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*manager.UploadOutput), args.Error(1)
}

type MockCloudinaryUploader struct {
	mock.Mock
}

func (m *MockCloudinaryUploader) Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error) {
	args := m.Called(ctx, file, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*uploader.UploadResult), args.Error(1)
}

func TestS3StorePrefixesKey(t *testing.T) {
	up := new(MockS3Uploader)
	store := NewS3StoreWithUploader(up, "agri-docs", "uploads")

	up.On("Upload", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "agri-docs" &&
			aws.ToString(in.Key) == "uploads/evidence/farmer-1/photo.jpg" &&
			aws.ToString(in.ContentType) == "image/jpeg"
	})).Return(&manager.UploadOutput{Location: "https://agri-docs.s3.amazonaws.com/uploads/evidence/farmer-1/photo.jpg"}, nil)

	obj, err := store.Put(context.Background(), "evidence/farmer-1/photo.jpg", strings.NewReader("jpeg"), 4, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "uploads/evidence/farmer-1/photo.jpg", obj.Key)
	assert.Equal(t, "https://agri-docs.s3.amazonaws.com/uploads/evidence/farmer-1/photo.jpg", obj.URL)
	up.AssertExpectations(t)
}

func TestS3StoreWrapsUploadError(t *testing.T) {
	up := new(MockS3Uploader)
	store := NewS3StoreWithUploader(up, "agri-docs", "")
	boom := errors.New("access denied")
	up.On("Upload", mock.Anything, mock.Anything).Return(nil, boom)

	_, err := store.Put(context.Background(), "a.pdf", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, boom)

	_, err = store.Put(context.Background(), "", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestCloudinaryStoreSplitsFolderAndPublicID(t *testing.T) {
	up := new(MockCloudinaryUploader)
	store := NewCloudinaryStoreWithUploader(up, "agrilink")

	up.On("Upload", mock.Anything, mock.Anything, uploader.UploadParams{
		Folder:       "agrilink/signature/farmer-1",
		PublicID:     "contract-sig",
		ResourceType: "auto",
	}).Return(&uploader.UploadResult{
		PublicID:  "agrilink/signature/farmer-1/contract-sig",
		SecureURL: "https://res.cloudinary.com/agrilink/image/upload/contract-sig.png",
		Bytes:     2048,
	}, nil)

	obj, err := store.Put(context.Background(), "signature/farmer-1/contract-sig.png", strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/agrilink/image/upload/contract-sig.png", obj.URL)
	assert.Equal(t, int64(2048), obj.Size)
	up.AssertExpectations(t)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore("http://localhost:8080/blobs/")

	obj, err := store.Put(context.Background(), "evidence/x.txt", strings.NewReader("hello"), -1, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blobs/evidence/x.txt", obj.URL)
	assert.Equal(t, int64(5), obj.Size)

	b, ok := store.Get("evidence/x.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(b))
}
