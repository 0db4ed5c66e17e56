// Package namespace maintains the per-user hierarchy of files and folders.
package namespace

import (
	"strings"
	"time"
)

// Kind tags the Entry variant.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Entry is a node in a user's namespace. It is a closed variant: Kind
// selects the case, and File is non-nil exactly when Kind is KindFile.
// An empty ParentID is the namespace root.
type Entry struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"type"`
	Name      string     `json:"name"`
	UserID    string     `json:"user_id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Starred   bool       `json:"starred"`
	Shared    bool       `json:"shared"`
	Share     *Share     `json:"share,omitempty"`
	Tags      []string   `json:"tags"`
	File      *FileInfo  `json:"file,omitempty"`
}

// FileInfo holds the attributes only files carry.
type FileInfo struct {
	Size             int64             `json:"size"`
	Category         Category          `json:"category"`
	MimeType         string            `json:"mime_type,omitempty"`
	ContentLocator   string            `json:"-"`
	ThumbnailLocator string            `json:"-"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Share holds the public-link settings of a shared entry.
type Share struct {
	Link         string     `json:"link"`
	PasswordHash string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Protected    bool       `json:"protected"`
}

// Size reports the byte size; folders are always 0.
func (e *Entry) Size() int64 {
	switch e.Kind {
	case KindFile:
		return e.File.Size
	case KindFolder:
		return 0
	}
	return 0
}

// IsFolder reports whether the entry is a folder.
func (e *Entry) IsFolder() bool { return e.Kind == KindFolder }

// Trashed reports whether the entry sits in the trash.
func (e *Entry) Trashed() bool { return e.DeletedAt != nil }

// matches reports whether the name or any tag contains needle, which must be lowercase.
func (e *Entry) matches(needle string) bool {
	if strings.Contains(strings.ToLower(e.Name), needle) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	if e.Share != nil {
		s := *e.Share
		if e.Share.ExpiresAt != nil {
			t := *e.Share.ExpiresAt
			s.ExpiresAt = &t
		}
		c.Share = &s
	}
	c.Tags = append([]string(nil), e.Tags...)
	if e.File != nil {
		f := *e.File
		if e.File.Metadata != nil {
			f.Metadata = make(map[string]string, len(e.File.Metadata))
			for k, v := range e.File.Metadata {
				f.Metadata[k] = v
			}
		}
		c.File = &f
	}
	return &c
}

func childPath(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}
