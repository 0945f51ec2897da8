// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package ingest

import (
	"github.com/pkoukk/tiktoken-go"
)

const defaultMaxBatchTokens = 8000

// fallbackEncoding is used when the model has no registered tiktoken
// encoding.
const fallbackEncoding = "cl100k_base"

// TokenSplitter groups chunk texts into batches bounded by a token count,
// splitting any single oversized chunk into multiple pieces. Adapted from
// the character-based sentence splitter in internal/processor/chunker.go,
// reworked to count model tokens via tiktoken-go instead of characters,
// since embedding batch limits are token-denominated.
type TokenSplitter struct {
	maxBatchTokens int
	enc            *tiktoken.Tiktoken
}

// NewTokenSplitter builds a splitter for the given model, falling back to a
// generic cl100k_base encoding when the model is unknown to tiktoken-go.
func NewTokenSplitter(model string, maxBatchTokens int) *TokenSplitter {
	if maxBatchTokens <= 0 {
		maxBatchTokens = defaultMaxBatchTokens
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			// tiktoken-go ships cl100k_base's ranks embedded; this should
			// not fail, but if it does, fall back to a nil encoder and let
			// countTokens degrade to a byte-length heuristic.
			enc = nil
		}
	}

	return &TokenSplitter{maxBatchTokens: maxBatchTokens, enc: enc}
}

// countTokens reports the token length of text, degrading to a rough
// 4-bytes-per-token heuristic if no tiktoken encoding loaded.
func (s *TokenSplitter) countTokens(text string) int {
	if s.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(s.enc.Encode(text, nil, nil))
}

// SplitOversized splits a single chunk's text into pieces each bounded by
// maxBatchTokens, preserving order. Used only when a chunk alone exceeds
// the batch limit.
func (s *TokenSplitter) SplitOversized(text string) []string {
	if s.countTokens(text) <= s.maxBatchTokens {
		return []string{text}
	}
	if s.enc == nil {
		return s.splitByBytes(text)
	}

	tokens := s.enc.Encode(text, nil, nil)
	var pieces []string
	for start := 0; start < len(tokens); start += s.maxBatchTokens {
		end := start + s.maxBatchTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, s.enc.Decode(tokens[start:end]))
	}
	return pieces
}

func (s *TokenSplitter) splitByBytes(text string) []string {
	maxBytes := s.maxBatchTokens * 4
	var pieces []string
	for start := 0; start < len(text); start += maxBytes {
		end := start + maxBytes
		if end > len(text) {
			end = len(text)
		}
		pieces = append(pieces, text[start:end])
	}
	return pieces
}

// Batch groups texts into index ranges whose cumulative token count stays
// at or under maxBatchTokens. Returns the batches as slices of original
// indices so callers can map results back to their source chunk.
func (s *TokenSplitter) Batch(texts []string) [][]int {
	var batches [][]int
	var current []int
	currentTokens := 0

	for i, text := range texts {
		n := s.countTokens(text)
		if len(current) > 0 && currentTokens+n > s.maxBatchTokens {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, i)
		currentTokens += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
