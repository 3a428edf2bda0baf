package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryUploader is the upload half of the Cloudinary admin client
type CloudinaryUploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

type CloudinaryStore struct {
	uploader CloudinaryUploader
	folder   string
}

func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string) (*CloudinaryStore, error) {
	if cloudName == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("cloudinary credentials are not configured")
	}
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}
	return NewCloudinaryStoreWithUploader(&cld.Upload, folder), nil
}

func NewCloudinaryStoreWithUploader(u CloudinaryUploader, folder string) *CloudinaryStore {
	return &CloudinaryStore{uploader: u, folder: folder}
}

func (s *CloudinaryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*Object, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	// the public id carries no extension; cloudinary appends the detected format
	dir, file := path.Split(key)
	publicID := strings.TrimSuffix(file, path.Ext(file))
	folder := strings.Trim(path.Join(s.folder, dir), "/")

	result, err := s.uploader.Upload(ctx, body, uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s to cloudinary: %w", key, err)
	}
	if result.Error.Message != "" {
		return nil, fmt.Errorf("cloudinary rejected %s: %s", key, result.Error.Message)
	}

	if result.Bytes > 0 {
		size = int64(result.Bytes)
	}
	return &Object{Key: result.PublicID, URL: result.SecureURL, ContentType: contentType, Size: size}, nil
}
