// Package asset validates creator-uploaded binary assets and writes them
// into build output trees.
package asset

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxCount        = 60
	MaxRegularBytes = 100 * 1024
	MaxLargeBytes   = 500 * 1024
	MaxNameLength   = 160
)

var AllowedMimeTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/jpg":  {},
	"image/gif":  {},
	"audio/wav":  {},
	"audio/mpeg": {},
}

var (
	ErrInvalidDataURL     = errors.New("invalid data url")
	ErrMimeNotAllowed     = errors.New("mime type not allowed")
	ErrAssetTooLarge      = errors.New("asset too large")
	ErrTooManyLargeAssets = errors.New("too many large assets")
	ErrTooManyAssets      = errors.New("too many assets")
	ErrUnknownAsset       = errors.New("unknown asset reference")
	ErrNoContent          = errors.New("asset has no content")
	ErrReservedName       = errors.New("asset name is reserved")
)

// reservedNames are the files a build writes next to its assets.
var reservedNames = map[string]struct{}{
	"index.html":    {},
	"app.js":        {},
	"app.css":       {},
	"manifest.json": {},
	"bundle.zip":    {},
	"job.json":      {},
	".":             {},
	"..":            {},
}

// Reserved reports whether a sanitized name would replace a build file.
func Reserved(name string) bool {
	n := strings.ToLower(name)
	if _, ok := reservedNames[n]; ok {
		return true
	}
	return strings.HasPrefix(n, ".tmp-")
}

// ValidationError names the asset entry that failed validation.
type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// CustomAsset is an accepted asset. Exactly one of DataURL and StoragePath
// is set.
type CustomAsset struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	MimeType    string    `json:"mimeType"`
	Size        int64     `json:"size"`
	DataURL     string    `json:"dataUrl,omitempty"`
	StoragePath string    `json:"storagePath,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Input is one entry of an asset update: either a fresh upload carrying
// DataURL or a reference to an existing asset by ID.
type Input struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	DataURL string `json:"dataUrl,omitempty"`
}

var (
	dataURLPattern   = regexp.MustCompile(`(?is)^data:([^;]+);base64,(.+)$`)
	separatorPattern = regexp.MustCompile(`[\\/]+`)
)

// SanitizeName strips line breaks and path separators from a user-supplied
// file name.
func SanitizeName(name string, now time.Time) string {
	n := strings.NewReplacer("\r", "", "\n", "").Replace(name)
	n = strings.TrimSpace(n)
	n = separatorPattern.ReplaceAllString(n, "-")
	if len(n) > MaxNameLength {
		n = truncate(n, MaxNameLength)
	}
	if n == "" {
		return fmt.Sprintf("custom-%d.png", now.UnixMilli())
	}
	return n
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// DecodeDataURL returns the bytes and lowercased mime type of a base64
// data URL.
func DecodeDataURL(dataURL string) ([]byte, string, error) {
	m := dataURLPattern.FindStringSubmatch(strings.TrimSpace(dataURL))
	if m == nil {
		return nil, "", ErrInvalidDataURL
	}
	mimeType := strings.ToLower(m[1])
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, "", errors.Join(ErrInvalidDataURL, err)
	}
	return data, mimeType, nil
}

// Normalize validates next against the limits and resolves references into
// existing. It returns the accepted assets with case-insensitive unique
// names; a later entry replaces an earlier one with the same name. Nothing
// is returned unless every entry is valid.
func Normalize(next []Input, existing []CustomAsset, now time.Time) ([]CustomAsset, error) {
	byID := make(map[string]CustomAsset, len(existing))
	for _, a := range existing {
		byID[a.ID.String()] = a
	}

	accepted := make([]CustomAsset, 0, len(next))
	large := 0
	for _, in := range next {
		name := SanitizeName(in.Name, now)
		if Reserved(name) {
			return nil, &ValidationError{Name: name, Err: ErrReservedName}
		}

		var a CustomAsset
		if dataURL := strings.TrimSpace(in.DataURL); strings.HasPrefix(strings.ToLower(dataURL), "data:") {
			data, mimeType, err := DecodeDataURL(dataURL)
			if err != nil {
				return nil, &ValidationError{Name: name, Err: err}
			}
			if _, ok := AllowedMimeTypes[mimeType]; !ok {
				return nil, &ValidationError{Name: name, Err: fmt.Errorf("%w: %s", ErrMimeNotAllowed, mimeType)}
			}
			a = CustomAsset{
				ID:        uuid.New(),
				Name:      name,
				MimeType:  mimeType,
				Size:      int64(len(data)),
				DataURL:   dataURL,
				UpdatedAt: now,
			}
		} else {
			ref, ok := byID[strings.TrimSpace(in.ID)]
			if !ok {
				return nil, &ValidationError{Name: name, Err: ErrUnknownAsset}
			}
			a = ref
			a.Name = name
			a.UpdatedAt = now
		}

		if a.Size > MaxLargeBytes {
			return nil, &ValidationError{Name: name, Err: ErrAssetTooLarge}
		}
		if a.Size > MaxRegularBytes {
			large++
			if large > 1 {
				return nil, &ValidationError{Name: name, Err: ErrTooManyLargeAssets}
			}
		}
		accepted = append(accepted, a)
	}

	if len(next) > MaxCount {
		return nil, &ValidationError{Err: fmt.Errorf("%w: %d > %d", ErrTooManyAssets, len(next), MaxCount)}
	}

	return dedupe(accepted), nil
}

// dedupe keeps the last asset of every case-insensitive name, at the
// position of its first occurrence.
func dedupe(assets []CustomAsset) []CustomAsset {
	index := make(map[string]int, len(assets))
	out := make([]CustomAsset, 0, len(assets))
	for _, a := range assets {
		key := strings.ToLower(a.Name)
		if i, ok := index[key]; ok {
			out[i] = a
			continue
		}
		index[key] = len(out)
		out = append(out, a)
	}
	return out
}
