package audit

import "context"

// Logger is what the rest of clauth depends on to record events. The core
// never depends on the concrete FileLogger type directly.
type Logger interface {
	// Append records one entry and returns it with PrevHash/Hash populated.
	Append(ctx context.Context, event Event, c *Context) (*Entry, error)

	// VerifyIntegrity re-derives the hash chain from the start of the log
	// and reports the first broken link, if any.
	VerifyIntegrity(ctx context.Context) (*ChainVerification, error)

	// ReadAll returns every entry in file order, with Seq populated.
	ReadAll(ctx context.Context) ([]Entry, error)

	Close() error
}
