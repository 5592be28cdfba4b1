package core

import (
	"context"
)

// DocumentExtractor turns a file on local disk into one normalized text string.
// The declaredType hint (MIME type or bare extension) wins over the file extension.
type DocumentExtractor interface {
	Extract(ctx context.Context, filePath string, declaredType string) (string, error)
}
