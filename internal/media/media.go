// ABOUTME: Accepts raw media bytes, sniffs their type and hands them to object storage
// ABOUTME: Returns the media_ref a message carries plus the message type to use

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

// Upload errors
var (
	ErrEmpty    = errors.New("media is empty")
	ErrTooLarge = errors.New("media exceeds size limit")
)

// ObjectStore persists one object and returns a reference clients can fetch.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
}

// Result describes a stored upload.
type Result struct {
	MediaRef    string            `json:"media_ref"`
	Type        store.MessageType `json:"type"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
}

// Uploader validates uploads and writes them to an ObjectStore.
type Uploader struct {
	objects  ObjectStore
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewUploader creates an Uploader. Pass nil logger for default.
func NewUploader(objects ObjectStore, maxBytes int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		objects:  objects,
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
		now:      time.Now,
	}
}

// MaxBytes returns the upload size limit.
func (u *Uploader) MaxBytes() int64 {
	return u.maxBytes
}

// Upload stores data on behalf of owner. The content type is sniffed from
// the bytes; filename only contributes a readable stem to the object key.
func (u *Uploader) Upload(ctx context.Context, owner, filename string, data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(data)) > u.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), u.maxBytes)
	}

	mt := mimetype.Detect(data)
	contentType := mt.String()
	key := objectKey(owner, filename, mt.Extension(), u.now())

	ref, err := u.objects.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}

	u.logger.Debug("media stored",
		"owner", owner,
		"key", key,
		"content_type", contentType,
		"size", len(data))

	return &Result{
		MediaRef:    ref,
		Type:        Classify(contentType),
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// Classify maps a MIME type onto the message type that should carry it.
func Classify(contentType string) store.MessageType {
	base, _, _ := strings.Cut(contentType, ";")
	major, _, _ := strings.Cut(strings.TrimSpace(base), "/")
	switch major {
	case "image":
		return store.MessageTypeImage
	case "video":
		return store.MessageTypeVideo
	case "audio":
		return store.MessageTypeAudio
	default:
		return store.MessageTypeDocument
	}
}

// objectKey builds "<owner>/<yyyy>/<mm>/<stem>-<uuid><ext>".
func objectKey(owner, filename, ext string, now time.Time) string {
	stem := sanitizeStem(strings.TrimSuffix(path.Base(filename), path.Ext(filename)))
	name := uuid.New().String() + ext
	if stem != "" {
		name = stem + "-" + name
	}
	return fmt.Sprintf("%s/%04d/%02d/%s", owner, now.Year(), int(now.Month()), name)
}

// sanitizeStem keeps ASCII letters, digits, '-' and '_' and caps the length.
func sanitizeStem(s string) string {
	const maxStem = 40
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxStem {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
