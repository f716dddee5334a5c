package mapper

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
)

// ContextToClientUUID extracts the client connection UUID from a context.
func ContextToClientUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.ClientContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoClientFoundError{}
	}
	return s, nil
}
