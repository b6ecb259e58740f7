// Package artifact stores binary attachments (uploaded files, images, tool
// outputs) scoped to a session. The core only needs a narrow save/get/list
// contract; production deployments can back it with object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an artifact id does not exist in a session.
var ErrNotFound = errors.New("artifact not found")

// Kind categorizes an artifact for media-aware tools.
type Kind string

const (
	// KindFile is a generic binary or text attachment.
	KindFile Kind = "file"
	// KindImage is an image attachment.
	KindImage Kind = "image"
	// KindAudio is an audio attachment.
	KindAudio Kind = "audio"
	// KindVideo is a video attachment.
	KindVideo Kind = "video"
)

// Artifact is one stored attachment. Either Data or URL is populated.
type Artifact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind Kind   `json:"kind,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Store persists artifacts per session.
type Store interface {
	Save(ctx context.Context, sessionID string, a Artifact) error
	Get(ctx context.Context, sessionID, id string) (Artifact, error)
	List(ctx context.Context, sessionID string) ([]Artifact, error)
	Delete(ctx context.Context, sessionID, id string) error
}

// notFoundErr builds a wrapped ErrNotFound naming the missing artifact.
func notFoundErr(sessionID, id string) error {
	return fmt.Errorf("%w: session=%s id=%s", ErrNotFound, sessionID, id)
}
