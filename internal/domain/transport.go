package domain

import "context"

// Transport opens connections to a server.
type Transport interface {
	// Dial opens a connection. Failures are *NetworkError.
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one live connection to a server.
type Conn interface {
	// Authenticate presents the token. A rejection is *AuthError; anything
	// else is *NetworkError.
	Authenticate(ctx context.Context, token string) error

	// Subscribe starts the event stream strictly after cursor. The channel
	// is closed after a ConnectionDropped event.
	Subscribe(ctx context.Context, after Cursor) (<-chan Event, error)

	// Call issues one RPC and waits for its Ack.
	Call(ctx context.Context, req Request) (Ack, error)

	Close() error
}
