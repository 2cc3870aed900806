// Package fingerprint derives the cache/job key for a synthesis request.
//
// The client and the server both compute keys with this package and read the
// same on-disk layout, so any change to the canonical form must bump
// keyVersion.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
)

const keyVersion = "v2"

// Key is the hex SHA-256 fingerprint of normalized text plus Params.
type Key string

// Params is the subset of provider configuration that changes the produced
// audio. Transport settings (endpoint, method, timeouts) are deliberately
// absent.
type Params struct {
	TextLang          string   `json:"text_lang" yaml:"text_lang"`
	RefAudioPath      string   `json:"ref_audio_path" yaml:"ref_audio_path"`
	AuxRefAudioPaths  []string `json:"aux_ref_audio_paths" yaml:"aux_ref_audio_paths"`
	PromptText        string   `json:"prompt_text" yaml:"prompt_text"`
	PromptLang        string   `json:"prompt_lang" yaml:"prompt_lang"`
	TopK              int      `json:"top_k" yaml:"top_k"`
	TopP              float64  `json:"top_p" yaml:"top_p"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
	TextSplitMethod   string   `json:"text_split_method" yaml:"text_split_method"`
	BatchSize         int      `json:"batch_size" yaml:"batch_size"`
	BatchThreshold    float64  `json:"batch_threshold" yaml:"batch_threshold"`
	SplitBucket       bool     `json:"split_bucket" yaml:"split_bucket"`
	SpeedFactor       float64  `json:"speed_factor" yaml:"speed_factor"`
	FragmentInterval  float64  `json:"fragment_interval" yaml:"fragment_interval"`
	Seed              int      `json:"seed" yaml:"seed"`
	ParallelInfer     bool     `json:"parallel_infer" yaml:"parallel_infer"`
	RepetitionPenalty float64  `json:"repetition_penalty" yaml:"repetition_penalty"`
	MediaType         string   `json:"media_type" yaml:"media_type"`
}

// Normalize returns the form of text that participates in the key.
func Normalize(text string) string {
	return strings.TrimSpace(text)
}

// Compute returns the key for text synthesized with p. Text is hashed as raw
// bytes, so lines that are not valid UTF-8 still get distinct keys.
func Compute(text string, p Params) Key {
	h := sha256.New()
	writeString(h, keyVersion)
	writeString(h, Normalize(text))
	p.writeTo(h)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Digest identifies a parameter set on its own. Clients send it alongside
// requests so the server can spot configuration drift.
func (p Params) Digest() string {
	h := sha256.New()
	p.writeTo(h)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// writeTo feeds every field to h in declaration order. Each value is length
// prefixed so adjacent fields cannot run together, and nil and empty aux
// path lists encode identically.
func (p Params) writeTo(h hash.Hash) {
	writeString(h, p.TextLang)
	writeString(h, p.RefAudioPath)
	writeString(h, strconv.Itoa(len(p.AuxRefAudioPaths)))
	for _, path := range p.AuxRefAudioPaths {
		writeString(h, path)
	}
	writeString(h, p.PromptText)
	writeString(h, p.PromptLang)
	writeString(h, strconv.Itoa(p.TopK))
	writeFloat(h, p.TopP)
	writeFloat(h, p.Temperature)
	writeString(h, p.TextSplitMethod)
	writeString(h, strconv.Itoa(p.BatchSize))
	writeFloat(h, p.BatchThreshold)
	writeString(h, strconv.FormatBool(p.SplitBucket))
	writeFloat(h, p.SpeedFactor)
	writeFloat(h, p.FragmentInterval)
	writeString(h, strconv.Itoa(p.Seed))
	writeString(h, strconv.FormatBool(p.ParallelInfer))
	writeFloat(h, p.RepetitionPenalty)
	writeString(h, p.MediaType)
}

func writeString(h hash.Hash, s string) {
	h.Write(strconv.AppendInt(nil, int64(len(s)), 10))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}

// writeFloat uses the shortest round-trip form. NaN and infinities format
// like any other value.
func writeFloat(h hash.Hash, f float64) {
	writeString(h, strconv.FormatFloat(f, 'g', -1, 64))
}

// Filename is the artifact name inside the cache directory.
func (k Key) Filename(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return string(k)
	}
	return string(k) + "." + ext
}

// Valid reports whether k looks like a key produced by Compute.
func (k Key) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}

func (k Key) String() string { return string(k) }

// Short is a log-friendly prefix of the key.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
