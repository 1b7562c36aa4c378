package domain

import "context"

// Command is an Action travelling from the presentation layer to the engine.
// Reply receives the correlation id assigned to it, or an error.
type Command struct {
	Action Action
	Resend string // correlation id to resend instead of Action
	Reply  chan CommandResult
}

// CommandResult answers a Command.
type CommandResult struct {
	CorrelationID string
	Err           error
}

// MessageBus carries inbound Events and outbound Commands to the engine.
type MessageBus interface {
	Publish(ctx context.Context, ev Event) error
	Events() <-chan Event
	Submit(ctx context.Context, cmd Command) error
	Commands() <-chan Command
	Close()
}
