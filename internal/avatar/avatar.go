// Package avatar normalizes uploaded profile pictures and persists them
// through a storage backend.
package avatar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/userdir/apiserver/internal/storage"
)

// TargetSize is the side length of a normalized avatar in pixels.
const TargetSize = 1000

const (
	keyPrefix   = "avatars"
	contentType = "image/jpeg"
)

// ErrDecode is returned when uploaded bytes are not a valid image.
var ErrDecode = errors.New("invalid image data")

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// AllowedExtension reports whether the declared filename carries an
// accepted image extension (jpg, jpeg, or png).
func AllowedExtension(filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	return allowedExtensions[strings.ToLower(filename[idx:])]
}

// Normalize decodes an uploaded image, crops a centered square of
// min(width, height), resizes it to TargetSize x TargetSize, flattens any
// transparency onto a white background, and re-encodes it as JPEG.
func Normalize(raw []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	squared := imaging.Fill(img, TargetSize, TargetSize, imaging.Center, imaging.Lanczos)

	// JPEG has no alpha channel; paste onto white so transparent regions
	// do not come out black.
	canvas := imaging.New(TargetSize, TargetSize, color.White)
	flattened := imaging.Overlay(canvas, squared, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flattened, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Processor persists normalized avatars through an object storage backend.
type Processor struct {
	store *storage.Storage
}

// NewProcessor constructs a Processor over the provided storage.
func NewProcessor(store *storage.Storage) *Processor {
	return &Processor{store: store}
}

// Store persists avatar bytes under a fresh key derived from the username.
// The random suffix keeps keys from colliding across users and across
// successive uploads by the same user.
func (p *Processor) Store(ctx context.Context, data []byte, username string) (string, error) {
	key := fmt.Sprintf("%s/%s-%s.jpg", keyPrefix, username, uuid.NewString())
	if err := p.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns a reader for a stored avatar.
func (p *Processor) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return p.store.Get(ctx, key)
}

// Delete removes a stored avatar. Deleting an empty or already-absent key
// is a no-op.
func (p *Processor) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return p.store.Delete(ctx, key)
}

// Replace stores new avatar bytes and then deletes the old key, in that
// order, so there is no window where both images are gone. The new key is
// returned even when deleting the old object fails; callers may log and
// move on since stray deletes are retried implicitly on the next replace.
func (p *Processor) Replace(ctx context.Context, oldKey string, data []byte, username string) (string, error) {
	newKey, err := p.Store(ctx, data, username)
	if err != nil {
		return "", err
	}
	if err := p.Delete(ctx, oldKey); err != nil {
		return newKey, err
	}
	return newKey, nil
}
