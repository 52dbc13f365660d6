package file

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/abduss/nullpath/internal/token"
	"github.com/gin-gonic/gin"
)

const downloadFilenamePrefix = "encrypted_nullpath_file_"

// RegisterRoutes mounts the upload, download and deletion endpoints under the
// provided router group. publicBaseURL prefixes the returned links; when empty
// they are derived from the incoming request.
func RegisterRoutes(group *gin.RouterGroup, service *Service, publicBaseURL string) {
	handler := &httpHandler{
		service:  service,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		basePath: strings.TrimRight(group.BasePath(), "/") + "/files",
	}
	group.POST("/files", handler.uploadFile)
	group.GET("/files/:storageID", handler.downloadFile)
	group.DELETE("/files/delete/:deletionKey", handler.deleteFile)
}

type httpHandler struct {
	service  *Service
	baseURL  string
	basePath string
}

func (h *httpHandler) uploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	defer src.Close()

	rec, err := h.service.Store(c.Request.Context(), src, fileHeader.Size)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot upload an empty file"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		}
		return
	}

	base := h.linkBase(c)
	c.JSON(http.StatusCreated, UploadResponse{
		StorageIdentifier: rec.StorageID,
		EncryptedFileSize: rec.EncryptedSize,
		DownloadURL:       base + "/" + rec.StorageID,
		DeletionURL:       base + "/delete/" + rec.DeletionKey,
	})
}

func (h *httpHandler) downloadFile(c *gin.Context) {
	storageID := c.Param("storageID")
	if !token.ValidStorageID(storageID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	body, rec, err := h.service.Retrieve(c.Request.Context(), storageID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to download file"})
		}
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, rec.EncryptedSize, "application/octet-stream", body, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", downloadFilenamePrefix+rec.StorageID),
	})
}

func (h *httpHandler) deleteFile(c *gin.Context) {
	deletionKey := c.Param("deletionKey")
	if !token.ValidDeletionKey(deletionKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	removed, err := h.service.DeleteByKey(c.Request.Context(), deletionKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete file"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// linkBase returns the absolute URL of the files collection.
func (h *httpHandler) linkBase(c *gin.Context) string {
	if h.baseURL != "" {
		return h.baseURL + h.basePath
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + c.Request.Host + h.basePath
}
