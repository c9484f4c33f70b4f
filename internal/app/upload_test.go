package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailops/api/internal/config"
)

func testUploadPolicies() *config.UploadPolicyFile {
	return &config.UploadPolicyFile{
		Categories: map[string]config.UploadCategorySpec{
			"images": {
				AllowedMimeTypes: []string{"image/jpeg", "image/png"},
				MaxSizeBytes:     10 << 20,
			},
			"documents": {
				AllowedMimeTypes: []string{"application/pdf", "text/plain"},
				MaxSizeBytes:     1 << 20,
			},
			"default": {
				AllowedMimeTypes: []string{"image/jpeg", "image/png", "application/pdf", "text/plain"},
				MaxSizeBytes:     10 << 20,
			},
		},
	}
}

func newTestValidator() *UploadValidator {
	return NewUploadValidator(testUploadPolicies(), 10<<20, nil)
}

func hasErrorContaining(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestValidateRejectsDangerousExtensions(t *testing.T) {
	v := newTestValidator()

	for _, ext := range []string{"php", "phtml", "exe", "js", "sh", "bat", "dll", "py", "htaccess"} {
		t.Run(ext, func(t *testing.T) {
			result := v.Validate(FileDescriptor{
				OriginalName: "upload." + ext,
				DeclaredMIME: "image/jpeg",
				Size:         100,
			}, "images")

			assert.False(t, result.Valid)
			assert.True(t, hasErrorContaining(result.Errors, "not allowed for security reasons"))
		})
	}
}

func TestValidateMaliciousPHPUpload(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName:  "malicious.php",
		DeclaredMIME:  "application/x-php",
		Size:          512,
		ContentSample: []byte("<?php system($_GET['cmd']); ?>"),
	}, "images")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "not allowed for security reasons"))
	// MIME and content checks ran too; errors accumulated.
	assert.True(t, hasErrorContaining(result.Errors, "is not allowed"))
	assert.True(t, hasErrorContaining(result.Errors, "Suspicious script content detected"))
}

func TestValidateAcceptsJPEGWithinLimit(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName:  "kitchen-inspection.jpg",
		DeclaredMIME:  "image/jpeg",
		Size:          2 << 20,
		ContentSample: []byte{0xff, 0xd8, 0xff, 0xe0},
	}, "images")

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "image/jpeg", result.FileInfo.MIMEType)
	assert.Equal(t, "jpg", result.FileInfo.Extension)
}

func TestValidateSizeBoundaryIsInclusive(t *testing.T) {
	v := newTestValidator()

	atLimit := v.Validate(FileDescriptor{
		OriginalName: "exact.pdf",
		DeclaredMIME: "application/pdf",
		Size:         1 << 20,
	}, "documents")
	assert.True(t, atLimit.Valid)

	overLimit := v.Validate(FileDescriptor{
		OriginalName: "big.pdf",
		DeclaredMIME: "application/pdf",
		Size:         (1 << 20) + 1,
	}, "documents")
	assert.False(t, overLimit.Valid)
	assert.True(t, hasErrorContaining(overLimit.Errors, "exceeds maximum allowed size"))
}

func TestValidateRejectsDisallowedMIME(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName: "video.mp4",
		DeclaredMIME: "video/mp4",
		Size:         100,
	}, "images")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "is not allowed"))
}

func TestValidateExtensionMIMEMismatch(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName: "photo.jpg",
		DeclaredMIME: "image/png",
		Size:         100,
	}, "images")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "does not match its extension"))
}

func TestValidateSniffsScriptInBenignFile(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName:  "notes.txt",
		DeclaredMIME:  "text/plain",
		Size:          64,
		ContentSample: []byte("some notes\n<?php echo 'pwned'; ?>\nmore notes"),
	}, "documents")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "Suspicious script content detected"))
}

func TestValidateSniffsMaliciousCallPatterns(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName:  "notes.txt",
		DeclaredMIME:  "text/plain",
		Size:          64,
		ContentSample: []byte("x = eval(input); y = base64_decode(payload)"),
	}, "documents")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "malicious code pattern: eval("))
	assert.True(t, hasErrorContaining(result.Errors, "malicious code pattern: base64_decode("))
}

func TestValidateFlagsExtremeCompressionRatio(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(bytes.Repeat([]byte{0}, 4<<20))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	v := newTestValidator()
	result := v.Validate(FileDescriptor{
		OriginalName:  "archive.gz",
		DeclaredMIME:  "application/gzip",
		Size:          int64(buf.Len()),
		ContentSample: buf.Bytes(),
	}, "default")

	assert.False(t, result.Valid)
	assert.True(t, hasErrorContaining(result.Errors, "compression ratio"))
}

func TestValidateUnknownCategoryUsesDefault(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName: "photo.png",
		DeclaredMIME: "image/png",
		Size:         100,
	}, "no-such-category")

	assert.True(t, result.Valid)
}

func TestValidatePopulatesFileInfoOnRejection(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName: "backdoor.php",
		DeclaredMIME: "application/x-php",
		Size:         42,
	}, "images")

	assert.False(t, result.Valid)
	assert.Equal(t, "backdoor.php", result.FileInfo.OriginalName)
	assert.Equal(t, int64(42), result.FileInfo.Size)
	assert.Equal(t, "php", result.FileInfo.Extension)
	assert.Equal(t, "application/x-php", result.FileInfo.MIMEType)
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(FileDescriptor{
		OriginalName:  "payload.exe",
		DeclaredMIME:  "application/octet-stream",
		Size:          20 << 20,
		ContentSample: []byte("shell_exec(whoami)"),
	}, "images")

	assert.False(t, result.Valid)
	// Extension, MIME, size, and content problems all reported at once.
	assert.GreaterOrEqual(t, len(result.Errors), 4)
}
