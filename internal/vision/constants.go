package vision

import "time"

const (
	// DefaultMinInterval spaces out non-forced dispatches.
	DefaultMinInterval = 30 * time.Second

	// DefaultMinConfidence gates the page callback. Results below it
	// are logged and dropped.
	DefaultMinConfidence = 0.7

	// DefaultMaxWidth bounds the uploaded image. Wider frames are
	// downscaled before encoding.
	DefaultMaxWidth = 800

	jpegQuality       = 75
	maxResponseTokens = 400

	pagePrompt = `Look at this photo of an open book page and answer in strict JSON
with exactly these fields:
{"book_title": "<title if visible or inferable, else empty string>",
 "current_page_num": <page number printed on the page as a bare integer, no quotes; 0 if not visible>,
 "content_type": "<one of: text, illustration, mixed, cover, blank>",
 "confidence": <0.0 to 1.0>}
Respond with the JSON object only, no extra commentary.`
)
