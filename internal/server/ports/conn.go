// Package ports declares the contracts between the conversation application
// layer and its transports.
package ports

import "github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"

// Conn is one live client connection to a conversation. Send must be safe
// for concurrent use.
type Conn interface {
	Send(ev conversation.Event) error
}
