package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureFilenameOpacityAndUniqueness(t *testing.T) {
	first, err := SecureFilename("tenant-contract.pdf", "")
	require.NoError(t, err)
	second, err := SecureFilename("tenant-contract.pdf", "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NotContains(t, first, "tenant-contract")
	assert.NotContains(t, second, "tenant-contract")
	assert.True(t, strings.HasSuffix(first, ".pdf"))
	assert.True(t, strings.HasSuffix(second, ".pdf"))

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}\.pdf$`), first)
}

func TestSecureFilenameWithPrefix(t *testing.T) {
	name, err := SecureFilename("photo.jpg", "inspection")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^inspection_[0-9a-f]{32}\.jpg$`), name)
}

func TestSecureFilenameWithoutExtension(t *testing.T) {
	name, err := SecureFilename("README", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), name)
}

func TestSecurePathSegments(t *testing.T) {
	date := time.Now().UTC()
	suffix := fmt.Sprintf("%s/%s/%s", date.Format("2006"), date.Format("01"), date.Format("02"))

	tests := []struct {
		name       string
		propertyID string
		missionID  string
		want       string
	}{
		{
			name: "user only",
			want: "secure/images/users/u1/" + suffix,
		},
		{
			name:       "with property",
			propertyID: "p9",
			want:       "secure/images/properties/p9/users/u1/" + suffix,
		},
		{
			name:       "with property and mission",
			propertyID: "p9",
			missionID:  "m4",
			want:       "secure/images/properties/p9/missions/m4/users/u1/" + suffix,
		},
		{
			name:      "mission without property",
			missionID: "m4",
			want:      "secure/images/missions/m4/users/u1/" + suffix,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SecurePath("images", "u1", tt.propertyID, tt.missionID))
		})
	}
}

// fakeObjectStore records puts and can be forced to fail.
type fakeObjectStore struct {
	keys []string
	err  error
}

func (f *fakeObjectStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func TestStoreSecurely(t *testing.T) {
	objects := &fakeObjectStore{}
	storage := NewSecureStorage(objects, nil)

	stored := storage.StoreSecurely(context.Background(), []byte("content"), "secure/images/users/u1", "abc123.jpg", "image/jpeg")

	require.True(t, stored.Success)
	assert.Equal(t, "secure/images/users/u1/abc123.jpg", stored.Path)
	assert.Equal(t, "https://cdn.example.com/secure/images/users/u1/abc123.jpg", stored.URL)
	assert.Equal(t, int64(7), stored.Size)
	assert.Equal(t, "image/jpeg", stored.MIMEType)
}

func TestStoreSecurelyWrapsBackendFailure(t *testing.T) {
	objects := &fakeObjectStore{err: errors.New("bucket unreachable")}
	storage := NewSecureStorage(objects, nil)

	stored := storage.StoreSecurely(context.Background(), []byte("content"), "secure/images/users/u1", "abc123.jpg", "image/jpeg")

	assert.False(t, stored.Success)
	assert.NotEmpty(t, stored.Error)
	// The backend detail stays server-side.
	assert.NotContains(t, stored.Error, "bucket unreachable")
}
