// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"strings"
	"time"
)

const (
	maxNativeExportBytes = 500 * 1024 * 1024  // provider-native formats (e.g. Google Docs), exported
	maxRegularFileBytes  = 1000 * 1024 * 1024 // everything else
)

// downloadTimeout implements clamp(10s * size_MiB, 60s, 300s).
func downloadTimeout(sizeBytes int64) time.Duration {
	sizeMiB := float64(sizeBytes) / (1024 * 1024)
	secs := 10 * sizeMiB
	if secs < 60 {
		secs = 60
	}
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// ErrFileTooLarge is returned by GetFileContent when a file exceeds its
// provider-native or regular-file size ceiling.
type ErrFileTooLarge struct {
	FileID   string
	SizeByte int64
	LimitByte int64
}

func (e *ErrFileTooLarge) Error() string {
	return "FILE_TOO_LARGE"
}

func mimeAllowed(mime string, include, exclude []string) bool {
	for _, ex := range exclude {
		if ex == mime {
			return false
		}
	}
	if len(include) == 0 {
		return defaultSupportedMime(mime)
	}
	for _, in := range include {
		if in == mime {
			return true
		}
	}
	return false
}

var defaultMimeAllowlist = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"text/plain":    true,
	"text/markdown": true,
	"text/html":     true,
	"message/rfc822": true,
	"application/vnd.google-apps.document":     true,
	"application/vnd.google-apps.spreadsheet":  true,
	"application/vnd.google-apps.presentation": true,
}

func defaultSupportedMime(mime string) bool {
	return defaultMimeAllowlist[mime]
}

func isGoogleNative(mime string) bool {
	return strings.HasPrefix(mime, "application/vnd.google-apps.")
}

// retryChunks runs fn up to maxAttempts times total (the call plus
// maxAttempts-1 retries), returning the first success.
func retryChunks(maxAttempts int, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
	}
	return err
}
