package app

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/unicode/norm"

	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/internal/metrics"
	"github.com/bailops/api/pkg/logger"
)

// FileDescriptor is the ephemeral view of an uploaded file handed to the
// validator. ContentSample is a bounded prefix of the payload; Size is the
// full declared byte size.
type FileDescriptor struct {
	OriginalName  string
	DeclaredMIME  string
	Size          int64
	ContentSample []byte
}

// FileInfo is the summary recorded for every validation, valid or not.
type FileInfo struct {
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	MIMEType     string `json:"mime_type"`
	Extension    string `json:"extension"`
}

// ValidationResult carries the accumulated outcome of all checks.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	FileInfo FileInfo `json:"file_info"`
}

// UploadPolicy is the per-category constraint set.
type UploadPolicy struct {
	AllowedMIMETypes map[string]struct{}
	MaxSizeBytes     int64
}

// dangerousExtensions are rejected outright regardless of category, MIME
// or content.
var dangerousExtensions = map[string]struct{}{
	"php": {}, "phtml": {}, "php3": {}, "php4": {}, "php5": {},
	"exe": {}, "js": {}, "sh": {}, "bat": {}, "cmd": {}, "com": {},
	"scr": {}, "vbs": {}, "jar": {}, "msi": {}, "dll": {}, "py": {},
	"pl": {}, "cgi": {}, "htaccess": {},
}

// extensionMIMEs maps an extension to its conventional MIME types, for
// the declared-MIME consistency check. Unknown extensions are skipped.
var extensionMIMEs = map[string][]string{
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
	"png":  {"image/png"},
	"gif":  {"image/gif"},
	"webp": {"image/webp"},
	"pdf":  {"application/pdf"},
	"doc":  {"application/msword"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"xls":  {"application/vnd.ms-excel"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"txt":  {"text/plain"},
	"csv":  {"text/csv", "text/plain"},
	"zip":  {"application/zip", "application/x-zip-compressed"},
	"gz":   {"application/gzip", "application/x-gzip"},
	"mp4":  {"video/mp4"},
	"heic": {"image/heic"},
}

// maliciousPatterns are function-call markers scanned for inside the
// content sample.
var maliciousPatterns = []string{
	"eval(",
	"exec(",
	"system(",
	"shell_exec(",
	"base64_decode(",
}

// scriptMarkers open an embedded script regardless of declared type.
var scriptMarkers = []string{
	"<?php",
	"<script",
}

const compressionRatioLimit = 100

// UploadValidator inspects uploads against category policies and content
// heuristics. Every check runs; errors accumulate so the client sees all
// problems at once rather than one per round trip.
type UploadValidator struct {
	policies        map[string]UploadPolicy
	defaultPolicy   UploadPolicy
	maxDecompressed int64
	logger          *logger.Logger
}

// NewUploadValidator builds a validator from the category policy table.
// The "default" entry serves unknown categories; when the table has none,
// a conservative built-in default applies (10 MiB, common document and
// image types).
func NewUploadValidator(file *config.UploadPolicyFile, maxDecompressed int64, log *logger.Logger) *UploadValidator {
	if log == nil {
		log = logger.NewNop()
	}
	if maxDecompressed <= 0 {
		maxDecompressed = 10 << 20
	}

	policies := make(map[string]UploadPolicy)
	if file != nil {
		for name, spec := range file.Categories {
			allowed := make(map[string]struct{}, len(spec.AllowedMimeTypes))
			for _, m := range spec.AllowedMimeTypes {
				allowed[strings.ToLower(m)] = struct{}{}
			}
			policies[name] = UploadPolicy{
				AllowedMIMETypes: allowed,
				MaxSizeBytes:     spec.MaxSizeBytes,
			}
		}
	}

	def, ok := policies["default"]
	if !ok {
		def = UploadPolicy{
			AllowedMIMETypes: map[string]struct{}{
				"image/jpeg":      {},
				"image/png":       {},
				"application/pdf": {},
				"text/plain":      {},
			},
			MaxSizeBytes: 10 << 20,
		}
		policies["default"] = def
	}

	return &UploadValidator{
		policies:        policies,
		defaultPolicy:   def,
		maxDecompressed: maxDecompressed,
		logger:          log.With("service", "upload_validator"),
	}
}

// Validate runs the full check sequence for one descriptor. FileInfo is
// populated regardless of validity.
func (v *UploadValidator) Validate(desc FileDescriptor, category string) ValidationResult {
	ext := extractExtension(desc.OriginalName)
	mimeType := strings.ToLower(strings.TrimSpace(desc.DeclaredMIME))

	info := FileInfo{
		OriginalName: desc.OriginalName,
		Size:         desc.Size,
		MIMEType:     mimeType,
		Extension:    ext,
	}

	var errs []string
	fail := func(check, msg string) {
		errs = append(errs, msg)
		metrics.UploadRejectionsTotal.WithLabelValues(check).Inc()
	}

	if _, dangerous := dangerousExtensions[ext]; dangerous {
		fail("extension", fmt.Sprintf("File extension .%s is not allowed for security reasons", ext))
	}

	policy, ok := v.policies[category]
	if !ok {
		policy = v.defaultPolicy
	}

	if _, allowed := policy.AllowedMIMETypes[mimeType]; !allowed {
		fail("mime", fmt.Sprintf("File type %s is not allowed", mimeType))
	}

	if desc.Size > policy.MaxSizeBytes {
		fail("size", fmt.Sprintf("File size exceeds maximum allowed size of %d bytes", policy.MaxSizeBytes))
	}

	if conventional, known := extensionMIMEs[ext]; known {
		match := false
		for _, m := range conventional {
			if m == mimeType {
				match = true
				break
			}
		}
		if !match {
			fail("consistency", "File content type does not match its extension")
		}
	}

	v.sniffContent(desc.ContentSample, fail)

	if ratio, bomb := v.compressionRatio(desc.ContentSample); bomb {
		fail("compression", fmt.Sprintf("Suspicious compression ratio detected (%dx)", ratio))
	}

	valid := len(errs) == 0
	outcome := "accepted"
	if !valid {
		outcome = "rejected"
	}
	metrics.UploadValidationsTotal.WithLabelValues(category, outcome).Inc()

	if !valid {
		v.logger.Warn("upload rejected",
			"category", category,
			"file", desc.OriginalName,
			"errors", len(errs),
		)
	}

	return ValidationResult{Valid: valid, Errors: errs, FileInfo: info}
}

// sniffContent scans the bounded prefix for script markers and dangerous
// call patterns.
func (v *UploadValidator) sniffContent(sample []byte, fail func(check, msg string)) {
	if len(sample) == 0 {
		return
	}

	lower := strings.ToLower(string(sample))

	for _, marker := range scriptMarkers {
		if strings.Contains(lower, marker) {
			fail("content", "Suspicious script content detected")
			break
		}
	}

	for _, pattern := range maliciousPatterns {
		if strings.Contains(lower, pattern) {
			fail("content", fmt.Sprintf("File contains a malicious code pattern: %s", pattern))
		}
	}
}

// compressionRatio decompresses a gzip-magic payload up to the configured
// bound and reports when the expansion exceeds the ratio limit. Best
// effort: unreadable or non-gzip payloads are not flagged.
func (v *UploadValidator) compressionRatio(sample []byte) (int64, bool) {
	if len(sample) < 2 || sample[0] != 0x1f || sample[1] != 0x8b {
		return 0, false
	}

	zr, err := gzip.NewReader(bytes.NewReader(sample))
	if err != nil {
		return 0, false
	}
	defer zr.Close()

	// A truncated or corrupt stream still yields a usable byte count for
	// the ratio, so the copy error is deliberately ignored.
	decompressed, _ := io.Copy(io.Discard, io.LimitReader(zr, v.maxDecompressed))

	ratio := decompressed / int64(len(sample))
	return ratio, ratio > compressionRatioLimit
}

// extractExtension parses the lowercase extension after Unicode
// normalization, so lookalike composed forms cannot smuggle a blocked
// extension past the table.
func extractExtension(name string) string {
	normalized := norm.NFKC.String(name)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(normalized), "."))
	return ext
}
