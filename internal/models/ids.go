package models

import (
	"strconv"

	"github.com/google/uuid"
)

var passageNamespace = uuid.MustParse("5b0c2d9e-8f43-4f6a-9a51-2f1d7b6c3e10")

// PassageID derives a stable UUIDv5 from a document id and passage ordinal.
// Qdrant only accepts UUIDs or integers as point ids.
func PassageID(documentID string, ordinal int) string {
	return uuid.NewSHA1(passageNamespace, []byte(documentID+"#"+strconv.Itoa(ordinal))).String()
}
