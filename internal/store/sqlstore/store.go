package sqlstore

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/store"
)

type SQLStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLStore)(nil)

// New opens the database and creates the schema if needed.
func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.New.Open")
	}
	// SQLite serializes writers anyway, and ":memory:" databases are per
	// connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New.Ping")
	}

	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		invitation TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_id TEXT NOT NULL,
		sender_identity TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		sender_public_key TEXT NOT NULL DEFAULT '',
		verification INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id)
	);

	CREATE INDEX IF NOT EXISTS messages_chat_ts ON messages (chat_id, timestamp);
	`
	_, err := s.db.Exec(query)
	return errors.Wrap(err, "sqlstore.createTables")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateChat(chat models.ChatRecord) error {
	_, err := s.db.Exec("INSERT INTO chats (id, name, invitation, created_at) VALUES (?, ?, ?, ?)",
		chat.ID, chat.Name, chat.Invitation, chat.CreatedAt)
	return errors.Wrap(err, "sqlstore.CreateChat")
}

func (s *SQLStore) GetChat(id string) (*models.ChatRecord, error) {
	var c models.ChatRecord
	err := s.db.QueryRow("SELECT id, name, invitation, created_at FROM chats WHERE id = ?", id).
		Scan(&c.ID, &c.Name, &c.Invitation, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetChat")
	}
	return &c, nil
}

func (s *SQLStore) GetChats() ([]models.ChatRecord, error) {
	rows, err := s.db.Query("SELECT id, name, invitation, created_at FROM chats ORDER BY created_at ASC")
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetChats")
	}
	defer rows.Close()

	var chats []models.ChatRecord
	for rows.Next() {
		var c models.ChatRecord
		if err := rows.Scan(&c.ID, &c.Name, &c.Invitation, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.GetChats.Scan")
		}
		chats = append(chats, c)
	}
	return chats, errors.Wrap(rows.Err(), "sqlstore.GetChats.Rows")
}

func (s *SQLStore) SetInvitation(chatID, invitation string) error {
	res, err := s.db.Exec("UPDATE chats SET invitation = ? WHERE id = ?", invitation, chatID)
	if err != nil {
		return errors.Wrap(err, "sqlstore.SetInvitation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteChat(chatID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlstore.DeleteChat.Begin")
	}
	defer tx.Rollback()

	// Delete messages first (foreign key constraint)
	if _, err := tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return errors.Wrap(err, "sqlstore.DeleteChat.Messages")
	}
	if _, err := tx.Exec("DELETE FROM chats WHERE id = ?", chatID); err != nil {
		return errors.Wrap(err, "sqlstore.DeleteChat.Chat")
	}
	return errors.Wrap(tx.Commit(), "sqlstore.DeleteChat.Commit")
}

// SaveMessage appends m to the chat log. Saving an id twice is a no-op.
func (s *SQLStore) SaveMessage(chatID string, m models.Message) error {
	if m.Encrypted() {
		return store.ErrEncrypted
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO messages
		(id, chat_id, sender_identity, sender_name, content, signature, sender_public_key, verification, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, chatID, m.Sender.Identity, m.Sender.DisplayName, m.Content, m.Signature, m.SenderPublicKey,
		int(m.Verification), m.Timestamp)
	return errors.Wrap(err, "sqlstore.SaveMessage")
}

func (s *SQLStore) GetChatMessages(chatID string) ([]models.Message, error) {
	return s.queryMessages("sqlstore.GetChatMessages", `
		SELECT id, sender_identity, sender_name, content, signature, sender_public_key, verification, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY seq ASC
	`, chatID)
}

func (s *SQLStore) queryMessages(op, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var verification int
		if err := rows.Scan(&m.ID, &m.Sender.Identity, &m.Sender.DisplayName, &m.Content,
			&m.Signature, &m.SenderPublicKey, &verification, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, op+".Scan")
		}
		m.Verification = models.VerifyStatus(verification)
		messages = append(messages, m)
	}
	return messages, errors.Wrap(rows.Err(), op+".Rows")
}
