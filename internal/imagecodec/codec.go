// Package imagecodec converts images between raw bytes and portable data URL
// references, and stamps the visible watermark on generated output.
package imagecodec

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
)

const (
	dataPrefix   = "data:"
	base64Marker = ";base64"
	blobPrefix   = "blob:"
)

// maxFetchBytes bounds remote garment downloads. Larger bodies are rejected.
var maxFetchBytes int64 = 32 << 20

// InputValidationError reports input that is not a usable image.
type InputValidationError struct {
	Reason string
}

func (e *InputValidationError) Error() string {
	return "invalid image input: " + e.Reason
}

// EncodeDataURL returns a base64 data URL for the image bytes.
func EncodeDataURL(mime string, data []byte) string {
	return dataPrefix + mime + base64Marker + "," + base64.StdEncoding.EncodeToString(data)
}

// IsDataURL reports whether ref is an inline data URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, dataPrefix)
}

// IsTransient reports whether ref only lives as long as the process that
// created it. Such references must never be persisted.
func IsTransient(ref string) bool {
	return strings.HasPrefix(ref, blobPrefix)
}

// DecodeDataURL splits a base64 data URL into its MIME type and payload.
func DecodeDataURL(ref string) (string, []byte, error) {
	if !IsDataURL(ref) {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, dataPrefix), ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL: missing payload")
	}
	mime, isBase64 := strings.CutSuffix(meta, base64Marker)
	if !isBase64 {
		return "", nil, fmt.Errorf("malformed data URL: only base64 payloads are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL payload: %w", err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, data, nil
}

// Validate checks that data is an image and returns its MIME type.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &InputValidationError{Reason: "file is empty"}
	}
	if !filetype.IsImage(data) {
		return "", &InputValidationError{Reason: "file is not an image"}
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return "", &InputValidationError{Reason: err.Error()}
	}
	return kind.MIME.Value, nil
}

// FileToDataURL reads an image file and returns it as a data URL.
func FileToDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image file: %w", err)
	}
	mime, err := Validate(data)
	if err != nil {
		return "", err
	}
	return EncodeDataURL(mime, data), nil
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Resolve loads the bytes behind an image reference. Data URLs are decoded
// in place; http(s) URLs are downloaded; anything else is read as a local
// file path, with a leading ~/ expanded to the home directory.
func Resolve(ctx context.Context, ref string) (string, []byte, error) {
	switch {
	case IsDataURL(ref):
		return DecodeDataURL(ref)
	case IsTransient(ref):
		return "", nil, fmt.Errorf("transient reference %q cannot be resolved", ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fetch(ctx, ref)
	default:
		if rest, ok := strings.CutPrefix(ref, "~/"); ok {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", nil, fmt.Errorf("expand %s: %w", ref, err)
			}
			ref = filepath.Join(home, rest)
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", nil, fmt.Errorf("read image file: %w", err)
		}
		mime, err := Validate(data)
		if err != nil {
			return "", nil, err
		}
		return mime, data, nil
	}
}

func fetch(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch image: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read image body: %w", err)
	}
	if int64(len(data)) > maxFetchBytes {
		return "", nil, &InputValidationError{Reason: fmt.Sprintf("image at %s is larger than %d bytes", url, maxFetchBytes)}
	}
	mime, err := Validate(data)
	if err != nil {
		return "", nil, err
	}
	return mime, data, nil
}

// ToDataURL resolves ref and re-encodes it as a data URL. Data URLs are
// returned unchanged.
func ToDataURL(ctx context.Context, ref string) (string, error) {
	if IsDataURL(ref) {
		return ref, nil
	}
	mime, data, err := Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return EncodeDataURL(mime, data), nil
}
