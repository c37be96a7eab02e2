package pipeline

import (
	"context"
	"errors"

	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/types"
)

// LoadSnapshot reads the root and its stage children from the store
// and reconciles them into one view.
func LoadSnapshot(ctx context.Context, store storage.Store, rootID string) (Snapshot, error) {
	root, err := store.GetTask(ctx, rootID)
	if err != nil {
		return Snapshot{}, err
	}

	download, err := childTask(ctx, store, rootID, types.EdgeDownload)
	if err != nil {
		return Snapshot{}, err
	}
	transcribe, err := childTask(ctx, store, rootID, types.EdgeTranscribe)
	if err != nil {
		return Snapshot{}, err
	}
	enrich, err := childTask(ctx, store, rootID, types.EdgeEnrich)
	if err != nil {
		return Snapshot{}, err
	}

	return Reconcile(root, download, transcribe, enrich), nil
}

// childTask resolves the (root, kind) edge to a task, nil when the
// stage has not been created yet. A dangling edge whose task row is
// gone is treated the same as no edge.
func childTask(ctx context.Context, store storage.Store, rootID string, kind types.EdgeKind) (*types.Task, error) {
	childID, err := store.GetEdge(ctx, rootID, kind)
	if err != nil {
		if errors.Is(err, storage.ErrEdgeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	task, err := store.GetTask(ctx, childID)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}
