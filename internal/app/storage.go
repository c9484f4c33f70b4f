package app

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bailops/api/internal/metrics"
	"github.com/bailops/api/pkg/logger"
)

// ObjectStore is the external storage collaborator for validated uploads.
type ObjectStore interface {
	// Put writes content at key and returns a resolvable URL.
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)
}

// StoredFile is the tagged result of a secure store attempt. Failures are
// values, not errors: the caller inspects Success.
type StoredFile struct {
	Success  bool   `json:"success"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SecureFilename produces `{prefix_}{hex}.{ext}` where hex is a BLAKE2b
// digest over random bytes and the current timestamp. The original base
// name never appears in the output, so stored names leak nothing and
// cannot carry traversal sequences.
func SecureFilename(originalName, prefix string) (string, error) {
	var buf [40]byte
	if _, err := rand.Read(buf[:32]); err != nil {
		return "", fmt.Errorf("secure filename: %w", err)
	}
	binary.BigEndian.PutUint64(buf[32:], uint64(time.Now().UnixNano()))

	sum := blake2b.Sum256(buf[:])
	name := hex.EncodeToString(sum[:16])

	if prefix != "" {
		name = prefix + "_" + name
	}
	if ext := extractExtension(originalName); ext != "" {
		name = name + "." + ext
	}
	return name, nil
}

// SecurePath builds the storage prefix for a category-scoped upload:
// secure/{category}[/properties/{pid}][/missions/{mid}]/users/{uid}/YYYY/MM/DD.
// Optional segments are omitted when their id is empty.
func SecurePath(category, userID, propertyID, missionID string) string {
	segments := []string{"secure", category}
	if propertyID != "" {
		segments = append(segments, "properties", propertyID)
	}
	if missionID != "" {
		segments = append(segments, "missions", missionID)
	}
	segments = append(segments, "users", userID)

	now := time.Now().UTC()
	segments = append(segments, now.Format("2006"), now.Format("01"), now.Format("02"))

	return path.Join(segments...)
}

// SecureStorage stores validated uploads under opaque names.
type SecureStorage struct {
	objects ObjectStore
	logger  *logger.Logger
}

// NewSecureStorage creates the storage service.
func NewSecureStorage(objects ObjectStore, log *logger.Logger) *SecureStorage {
	if log == nil {
		log = logger.NewNop()
	}
	return &SecureStorage{
		objects: objects,
		logger:  log.With("service", "secure_storage"),
	}
}

// StoreSecurely writes content at path/filename via the object store and
// returns a tagged result. Backend failures are wrapped into the result
// rather than returned, so callers handle one shape.
func (s *SecureStorage) StoreSecurely(ctx context.Context, content []byte, storagePath, filename, contentType string) StoredFile {
	key := path.Join(storagePath, filename)

	url, err := s.objects.Put(ctx, key, content, contentType)
	if err != nil {
		s.logger.Error("secure store failed", "path", key, "error", err)
		return StoredFile{Success: false, Error: "storage backend unavailable"}
	}

	metrics.UploadStoredBytes.Observe(float64(len(content)))
	s.logger.Info("file stored securely", "path", key, "size", len(content))

	return StoredFile{
		Success:  true,
		Path:     key,
		URL:      url,
		Size:     int64(len(content)),
		MIMEType: strings.ToLower(contentType),
	}
}
