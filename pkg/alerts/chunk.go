// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package alerts

import "strings"

// Telegram rejects messages over 4096 characters; we split at a soft cap
// below that so a continuation marker always fits.
const (
	TelegramHardLimit = 4096
	TelegramSoftLimit = 3900
)

// ChunkMessage splits text into pieces no longer than limit. Splits prefer
// the last line boundary inside the window, but only when that boundary sits
// past 60% of the limit; otherwise an over-long line is cut mid-line rather
// than producing a tiny fragment.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = TelegramSoftLimit
	}
	if len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := limit
		if idx := strings.LastIndexByte(rest[:limit], '\n'); idx >= limit*60/100 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, strings.TrimRight(rest, "\n"))
	}
	return chunks
}
