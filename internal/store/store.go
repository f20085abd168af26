package store

import (
	"errors"

	"github.com/pliu/peerchat/internal/models"
)

var (
	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("chat not found")

	// ErrEncrypted is returned when saving a message that was not opened.
	// Hosted chats keep plaintext only.
	ErrEncrypted = errors.New("refusing to store an encrypted message")
)

// Store persists hosted chats and their message logs.
type Store interface {
	// Chat operations
	CreateChat(chat models.ChatRecord) error
	GetChat(id string) (*models.ChatRecord, error)
	GetChats() ([]models.ChatRecord, error)
	SetInvitation(chatID, invitation string) error
	DeleteChat(chatID string) error

	// Message operations
	SaveMessage(chatID string, m models.Message) error
	GetChatMessages(chatID string) ([]models.Message, error)

	Close() error
}
