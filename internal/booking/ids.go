package booking

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const referencePrefix = "BK-"

// IDGenerator hands out record identifiers and human readable reference codes.
type IDGenerator interface {
	NewID() uuid.UUID
	NewReference() string
}

type uuidGenerator struct{}

// NewUUIDGenerator returns time ordered v7 identifiers and random BK-XXXXXXXX references.
func NewUUIDGenerator() IDGenerator {
	return uuidGenerator{}
}

func (uuidGenerator) NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func (uuidGenerator) NewReference() string {
	id := uuid.New()
	return referencePrefix + strings.ToUpper(hex.EncodeToString(id[:4]))
}
