package uploads

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Purposes a file may be uploaded for
const (
	PurposeSignature = "signature"
	PurposeEvidence  = "evidence"
)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".pdf": true, ".doc": true, ".docx": true,
}

type Handler struct {
	store   storage.BlobStore
	maxSize int64
	logger  *zap.Logger
}

func NewHandler(store storage.BlobStore, maxSize int64, logger *zap.Logger) *Handler {
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return &Handler{store: store, maxSize: maxSize, logger: logger}
}

func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	r.POST("/uploads", h.Upload)
}

// Upload stores a signature or milestone evidence file and returns its URL
func (h *Handler) Upload(c *gin.Context) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": "unauthenticated"})
		return
	}

	purpose := c.PostForm("purpose")
	if purpose != PurposeSignature && purpose != PurposeEvidence {
		c.JSON(http.StatusBadRequest, gin.H{"error": "purpose must be signature or evidence", "code": "validation"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided", "code": "validation"})
		return
	}
	if file.Size > h.maxSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("file too large, maximum size is %dMB", h.maxSize>>20),
			"code":  "validation",
		})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type " + ext, "code": "validation"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file", "code": "validation"})
		return
	}
	defer src.Close()

	key := fmt.Sprintf("%s/%s/%s%s", purpose, p.ParticipantID, uuid.NewString(), ext)
	obj, err := h.store.Put(c.Request.Context(), key, src, file.Size, file.Header.Get("Content-Type"))
	if err != nil {
		h.logger.Error("upload failed",
			zap.String("participant_id", p.ParticipantID),
			zap.String("purpose", purpose),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to store file", "code": "storage"})
		return
	}

	h.logger.Info("file uploaded",
		zap.String("participant_id", p.ParticipantID),
		zap.String("purpose", purpose),
		zap.String("key", obj.Key),
		zap.Int64("size", obj.Size))
	c.JSON(http.StatusCreated, gin.H{"url": obj.URL, "key": obj.Key, "size": obj.Size})
}
