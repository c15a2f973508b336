package health

import "context"

// Pinger checks availability of a backing store (Valkey, Badger).
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}

// Sized reports the number of rows held by the corpus or the vector index.
type Sized interface {
	Len() int
}
