package shadow

import "context"

// Service is the remote shadow document service.
//
// Update replaces the named partition as a whole; the other partitions are
// left untouched. Neither call is conditional on the document version.
type Service interface {
	// Get returns the current document, or ErrNotFound.
	Get(ctx context.Context, documentID string) (Document, error)
	// Update writes one partition, creating the document if needed.
	Update(ctx context.Context, documentID string, partition Partition, set PipelineSet) error
}
