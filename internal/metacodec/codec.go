// Package metacodec encodes structured key-value metadata into a fenced
// block at the end of an event description, and decodes it back out.
//
// The block grammar is:
//
//	<visible text>
//
//	---kalendr---
//	{"key":"value", ...}
//	---end---
//
// Malformed or absent blocks never produce an error: the visible text is
// preserved and the metadata is nil.
package metacodec

import (
	"encoding/json"
	"strings"
)

const (
	startMarker = "---kalendr---"
	endMarker   = "---end---"

	// maxScan bounds how far from the end of the description the block is
	// searched for, so adversarially long descriptions stay cheap to decode.
	maxScan = 8 * 1024
)

// Result is the outcome of decoding a description.
type Result struct {
	// Text is the visible description with the metadata block removed.
	Text string
	// Metadata is nil when no well-formed block was found.
	Metadata map[string]string
	// RawBlock is the block as it appeared in the input, markers included.
	RawBlock string
}

// Encode appends the metadata block to text. Empty metadata returns text
// unchanged. Encode is the left inverse of Decode.
func Encode(text string, metadata map[string]string) string {
	text = strings.TrimRight(text, " \t\r\n")
	if len(metadata) == 0 {
		return text
	}
	// map keys marshal in sorted order, keeping encoding deterministic
	payload, err := json.Marshal(metadata)
	if err != nil {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(startMarker)
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(endMarker)
	return b.String()
}

// Decode extracts the metadata block from a description. It never fails:
// a missing or malformed block yields nil metadata and the text unchanged.
func Decode(description string) Result {
	scanFrom := 0
	if len(description) > maxScan {
		scanFrom = len(description) - maxScan
	}
	tail := description[scanFrom:]

	start := strings.LastIndex(tail, startMarker)
	if start < 0 {
		return Result{Text: description}
	}
	end := strings.Index(tail[start:], endMarker)
	if end < 0 {
		return Result{Text: description}
	}

	blockStart := scanFrom + start
	blockEnd := scanFrom + start + end + len(endMarker)
	if strings.TrimSpace(description[blockEnd:]) != "" {
		// The block only ever sits at the end. Visible text after the end
		// marker means this is not our block; dropping it would lose it
		// for good on the next re-encode.
		return Result{Text: description}
	}
	rawBlock := description[blockStart:blockEnd]

	inner := strings.TrimPrefix(rawBlock, startMarker)
	inner = strings.TrimSuffix(inner, endMarker)
	inner = strings.TrimSpace(inner)

	var metadata map[string]string
	if err := json.Unmarshal([]byte(inner), &metadata); err != nil {
		// Malformed block content: keep the visible text intact.
		return Result{Text: description}
	}

	text := strings.TrimRight(description[:blockStart], " \t\r\n")
	return Result{Text: text, Metadata: metadata, RawBlock: rawBlock}
}

// HasBlock reports whether the description carries a well-formed block.
func HasBlock(description string) bool {
	return Decode(description).Metadata != nil
}
