// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SourcesDir returns the root under which test source blobs are kept.
func SourcesDir(dataDir string) string {
	return filepath.Join(dataDir, "sources")
}

// ArtifactsDir returns the root under which run artifacts are kept.
func ArtifactsDir(dataDir string) string {
	return filepath.Join(dataDir, "artifacts")
}

// RunArtifactsDir returns the directory holding one run's artifacts.
func RunArtifactsDir(dataDir, tenantID, testID, runID string) string {
	return filepath.Join(ArtifactsDir(dataDir), tenantID, testID, runID)
}

// WriteSourceBlob persists an uploaded source, content-addressed so replaced
// versions never clobber the blob an in-flight run is reading. Returns the
// path relative to dataDir plus the digest and size.
func WriteSourceBlob(dataDir, tenantID, testID string, ext string, r io.Reader, maxBytes int64) (relPath, shaHex string, size int64, err error) {
	dir := filepath.Join(SourcesDir(dataDir), tenantID, testID)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", "", 0, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", "", 0, err
	}
	if size > maxBytes {
		return "", "", 0, fmt.Errorf("source exceeds %d bytes", maxBytes)
	}
	if size == 0 {
		return "", "", 0, fmt.Errorf("source is empty")
	}
	shaHex = hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(dir, shaHex+ext)
	if err = os.Rename(tmp.Name(), final); err != nil {
		return "", "", 0, err
	}
	rel, err := filepath.Rel(dataDir, final)
	if err != nil {
		return "", "", 0, err
	}
	return rel, shaHex, size, nil
}
