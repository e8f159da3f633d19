package inference

import (
	"context"
	"fmt"
	"os"

	"github.com/maauso/smileloop-api/internal/modal"
)

// ModalBackend adapts the Modal client to the Backend interface.
type ModalBackend struct {
	client modal.Client
}

// NewModalBackend creates a new Modal backend.
func NewModalBackend(client modal.Client) *ModalBackend {
	return &ModalBackend{client: client}
}

// Kind returns KindModal.
func (b *ModalBackend) Kind() Kind { return KindModal }

// Animate sends the portrait together with the driving clip.
func (b *ModalBackend) Animate(ctx context.Context, req Request) ([]byte, error) {
	var driving []byte
	if req.Preset.Path != "" {
		data, err := os.ReadFile(req.Preset.Path)
		if err != nil {
			return nil, fmt.Errorf("modal backend: read preset %s: %w", req.Preset.Name, err)
		}
		driving = data
	}

	video, err := b.client.Run(ctx, req.Image, req.Preset.Name, driving)
	if err != nil {
		return nil, fmt.Errorf("modal backend: %w", err)
	}
	return video, nil
}

// Compile-time check that ModalBackend implements Backend.
var _ Backend = (*ModalBackend)(nil)
