package presets

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"

	"fabula_back/storage"
)

const (
	maxBundleArchiveBytes int64 = 50 * 1024 * 1024
	maxPresetEntryBytes   int64 = 2 * 1024 * 1024

	bundleFormatZip = "zip"
	bundleFormatRar = "rar"
)

// ImportBundle imports a preset from an uploaded .zip or .rar bundle. The
// bundle must contain exactly one *.preset.json entry holding a
// PresetDocument; other entries (readme, lore text) are ignored. When an
// asset store is configured the original archive is kept for audit.
func (l *Library) ImportBundle(ctx context.Context, fileHeader *multipart.FileHeader, assets *storage.AssetStore) (*Preset, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("presets: database connection is not configured")
	}
	if fileHeader == nil {
		return nil, errors.New("presets: bundle file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxBundleArchiveBytes {
		return nil, fmt.Errorf("presets: bundle size exceeds %d bytes", maxBundleArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("presets: open bundle: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "preset-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("presets: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxBundleArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("presets: copy bundle: %w", err)
	}
	if written > maxBundleArchiveBytes {
		return nil, fmt.Errorf("presets: bundle size exceeds %d bytes", maxBundleArchiveBytes)
	}

	format, err := detectBundleFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch format {
	case bundleFormatZip:
		raw, err = readZipPresetEntry(tmpFile, written)
	case bundleFormatRar:
		raw, err = readRarPresetEntry(tmpFile.Name())
	default:
		err = errors.New("presets: unsupported bundle format")
	}
	if err != nil {
		return nil, err
	}

	var doc PresetDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("presets: parse preset document: %w", err)
	}

	preset, err := l.ImportDocument(ctx, doc)
	if err != nil {
		return nil, err
	}

	if assets.Enabled() {
		if _, err := tmpFile.Seek(0, io.SeekStart); err == nil {
			contentType := fileHeader.Header.Get("Content-Type")
			if _, saveErr := assets.SaveBundle(ctx, fileHeader.Filename, tmpFile, written, contentType); saveErr != nil {
				log.Printf("presets: archive imported bundle failed: %v", saveErr)
			}
		}
	}

	return preset, nil
}

func readZipPresetEntry(tmpFile *os.File, size int64) ([]byte, error) {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return nil, fmt.Errorf("presets: parse zip bundle: %w", err)
	}

	var entry *zip.File
	for _, file := range reader.File {
		name, err := normalizeBundleEntry(file.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		if !isPresetEntry(name) {
			continue
		}
		if entry != nil {
			return nil, errors.New("presets: bundle contains more than one preset document")
		}
		entry = file
	}
	if entry == nil {
		return nil, errors.New("presets: bundle contains no *.preset.json entry")
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("presets: open preset entry: %w", err)
	}
	defer rc.Close()

	return readCappedEntry(rc, entry.Name)
}

func readRarPresetEntry(tmpPath string) ([]byte, error) {
	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("presets: reopen bundle: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("presets: parse rar bundle: %w", err)
	}

	var raw []byte
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("presets: read rar entry: %w", err)
		}

		name, err := normalizeBundleEntry(header.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || header.IsDir || !isPresetEntry(name) {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, rr); err != nil {
					return nil, fmt.Errorf("presets: discard rar entry: %w", err)
				}
			}
			continue
		}
		if raw != nil {
			return nil, errors.New("presets: bundle contains more than one preset document")
		}
		raw, err = readCappedEntry(rr, header.Name)
		if err != nil {
			return nil, err
		}
	}
	if raw == nil {
		return nil, errors.New("presets: bundle contains no *.preset.json entry")
	}
	return raw, nil
}

func readCappedEntry(reader io.Reader, name string) ([]byte, error) {
	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(reader, maxPresetEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("presets: read entry %s: %w", name, err)
	}
	if written > maxPresetEntryBytes {
		return nil, fmt.Errorf("presets: entry %s exceeds %d bytes", name, maxPresetEntryBytes)
	}
	return buffer.Bytes(), nil
}

func isPresetEntry(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".preset.json")
}

func normalizeBundleEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}
	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("presets: bundle entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}

func detectBundleFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(path.Ext(originalName)))
	switch ext {
	case ".zip":
		return bundleFormatZip, nil
	case ".rar":
		return bundleFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("presets: read bundle header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 2 && headerSlice[0] == 0x50 && headerSlice[1] == 0x4b {
		return bundleFormatZip, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return bundleFormatRar, nil
	}

	return "", errors.New("presets: unsupported bundle format, only .zip and .rar are accepted")
}
