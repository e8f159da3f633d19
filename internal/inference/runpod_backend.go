package inference

import (
	"context"
	"fmt"

	"github.com/maauso/smileloop-api/internal/runpod"
)

// RunPodBackend adapts the RunPod client to the Backend interface.
type RunPodBackend struct {
	client runpod.Client
}

// NewRunPodBackend creates a new RunPod backend.
func NewRunPodBackend(client runpod.Client) *RunPodBackend {
	return &RunPodBackend{client: client}
}

// Kind returns KindRunPod.
func (b *RunPodBackend) Kind() Kind { return KindRunPod }

// Animate submits the job and waits for the video. The remote worker owns
// the preset clips, so only the preset name is sent.
func (b *RunPodBackend) Animate(ctx context.Context, req Request) ([]byte, error) {
	video, err := b.client.Run(ctx, req.Image, req.Preset.Name)
	if err != nil {
		return nil, fmt.Errorf("runpod backend: %w", err)
	}
	return video, nil
}

// Compile-time check that RunPodBackend implements Backend.
var _ Backend = (*RunPodBackend)(nil)
