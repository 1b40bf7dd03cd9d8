// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicedir

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// digestPrefix tags Keel artifact digests with the hash algorithm so
// the format can evolve without ambiguity.
const digestPrefix = "blake3:"

// Sum computes the Keel digest of everything readable from r, in
// "blake3:<hex>" form.
func Sum(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return digestPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// SumFile computes the Keel digest of a file's contents.
func SumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()
	return Sum(file)
}

// digestHex extracts the hex portion of a Keel digest. Returns an
// error for an unrecognized or malformed digest string.
func digestHex(digest string) (string, error) {
	hexPart, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("unsupported digest %q: want %q prefix", digest, digestPrefix)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("malformed digest %q: %w", digest, err)
	}
	return hexPart, nil
}
