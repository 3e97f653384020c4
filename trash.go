package jobengine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MoveToTrash records a soft-deleted entity and returns the new entry.
// payload is the entity snapshot kept until the entry is purged.
func MoveToTrash(ctx context.Context, trash TrashBackend, entityType, entityID string, payload []byte, deletedBy string) (*TrashEntry, error) {
	if entityType == "" {
		return nil, &ValidationError{Field: "entity_type", Message: "is required"}
	}
	if entityID == "" {
		return nil, &ValidationError{Field: "entity_id", Message: "is required"}
	}

	entry := &TrashEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    copyBytes(payload),
		DeletedAt:  time.Now(),
		DeletedBy:  deletedBy,
	}
	if err := trash.PutTrash(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
