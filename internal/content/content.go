package content

import (
	"fmt"
	"strings"
)

// FileType classifies a content item as delivered by the CMS manifest.
type FileType string

const (
	TypeMedia    FileType = "media"
	TypeLayout   FileType = "layout"
	TypeResource FileType = "resource"
)

// FileDescriptor identifies one logical content item from the manifest.
// (Type, ID) is the stable key used for deduplication and store addressing;
// descriptors are immutable once issued.
type FileDescriptor struct {
	Type           FileType `json:"type"`
	ID             string   `json:"id"`
	Size           int64    `json:"size"`
	ContentHash    string   `json:"contentHash"`
	SourceLocation string   `json:"sourceLocation"`
}

// Key returns the store key for this descriptor, "{type}/{id}".
func (d FileDescriptor) Key() string {
	return Key(d.Type, d.ID)
}

// Key builds the logical store key for a (type, id) pair.
func Key(fileType FileType, id string) string {
	return fmt.Sprintf("%s/%s", fileType, id)
}

// ParseKey splits a logical key back into its (type, id) parts.
func ParseKey(key string) (FileType, string, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed content key: %q", key)
	}

	return FileType(parts[0]), parts[1], nil
}

// Group is an ordered set of files required by one layout.
type Group struct {
	ID    string           `json:"id"`
	Files []FileDescriptor `json:"files"`
}
