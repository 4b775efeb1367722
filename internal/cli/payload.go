// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// DecodePayload returns s, or its base64 decoding when encoded is set.
func DecodePayload(s string, encoded bool) (string, error) {
	if !encoded {
		return s, nil
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	return string(b), nil
}

// ParseTaskLine splits an input line into its key and payload. A line of the
// form "key<TAB>payload" carries its own key; any other line uses fallback.
func ParseTaskLine(line string, fallback uint32, encoded bool) (uint32, string, error) {
	key := fallback
	payload := line
	if k, rest, ok := strings.Cut(line, "\t"); ok {
		n, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return 0, "", fmt.Errorf("invalid key %q: %w", k, err)
		}
		key = uint32(n)
		payload = rest
	}
	payload, err := DecodePayload(payload, encoded)
	if err != nil {
		return 0, "", err
	}
	return key, payload, nil
}
