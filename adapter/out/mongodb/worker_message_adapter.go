// Package mongodb stores parsed message bodies for the rule worker.
package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Message Adapter
// =============================================================================

// NewClient connects and pings MongoDB, returning the named database.
func NewClient(ctx context.Context, url, database string, maxPool uint64) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if maxPool == 0 {
		maxPool = 50
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(url).
		SetMaxPoolSize(maxPool).
		SetMaxConnIdleTime(30*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, client.Database(database), nil
}

const (
	collectionMessages = "messages"

	// Bodies larger than this are stored gzip-compressed.
	compressionThreshold = 1024
)

// MessageAdapter stores parsed messages and implements out.MessageProvider.
type MessageAdapter struct {
	collection *mongo.Collection
}

// NewMessageAdapter creates a new MongoDB message adapter.
func NewMessageAdapter(db *mongo.Database) *MessageAdapter {
	return &MessageAdapter{collection: db.Collection(collectionMessages)}
}

// EnsureIndexes creates the collection's indexes.
func (a *MessageAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email_account_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// messageDocument is the stored shape; bodies may be compressed.
type messageDocument struct {
	EmailAccountID string                `bson:"email_account_id"`
	MessageID      string                `bson:"message_id"`
	ThreadID       string                `bson:"thread_id"`
	Headers        domain.MessageHeaders `bson:"headers"`
	Snippet        string                `bson:"snippet,omitempty"`
	LabelIDs       []string              `bson:"label_ids,omitempty"`
	InternalDate   time.Time             `bson:"internal_date"`

	Text         []byte `bson:"text,omitempty"`
	HTML         []byte `bson:"html,omitempty"`
	IsCompressed bool   `bson:"is_compressed"`

	StoredAt  time.Time `bson:"stored_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// GetMessage returns the parsed message or a NOT_FOUND error.
func (a *MessageAdapter) GetMessage(ctx context.Context, emailAccountID, messageID string) (*domain.ParsedMessage, error) {
	var doc messageDocument
	filter := bson.M{"email_account_id": emailAccountID, "message_id": messageID}

	if err := a.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound(fmt.Sprintf("message %s", messageID))
		}
		return nil, apperr.DatabaseError("get message", err)
	}

	return doc.toEntity()
}

// SaveMessage upserts a parsed message, kept for ttl.
func (a *MessageAdapter) SaveMessage(ctx context.Context, emailAccountID string, msg *domain.ParsedMessage, ttl time.Duration) error {
	now := time.Now().UTC()
	doc := messageDocument{
		EmailAccountID: emailAccountID,
		MessageID:      msg.ID,
		ThreadID:       msg.ThreadID,
		Headers:        msg.Headers,
		Snippet:        msg.Snippet,
		LabelIDs:       msg.LabelIDs,
		InternalDate:   msg.InternalDate,
		Text:           []byte(msg.TextPlain),
		HTML:           []byte(msg.TextHTML),
		StoredAt:       now,
		ExpiresAt:      now.Add(ttl),
	}

	if len(doc.Text)+len(doc.HTML) > compressionThreshold {
		text, err := compress(doc.Text)
		if err != nil {
			return fmt.Errorf("failed to compress text: %w", err)
		}
		html, err := compress(doc.HTML)
		if err != nil {
			return fmt.Errorf("failed to compress html: %w", err)
		}
		doc.Text, doc.HTML, doc.IsCompressed = text, html, true
	}

	filter := bson.M{"email_account_id": emailAccountID, "message_id": msg.ID}
	if _, err := a.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return apperr.DatabaseError("save message", err)
	}
	return nil
}

func (d *messageDocument) toEntity() (*domain.ParsedMessage, error) {
	text, html := d.Text, d.HTML
	if d.IsCompressed {
		var err error
		if text, err = decompress(text); err != nil {
			return nil, fmt.Errorf("failed to decompress text: %w", err)
		}
		if html, err = decompress(html); err != nil {
			return nil, fmt.Errorf("failed to decompress html: %w", err)
		}
	}

	return &domain.ParsedMessage{
		ID:           d.MessageID,
		ThreadID:     d.ThreadID,
		Headers:      d.Headers,
		TextPlain:    string(text),
		TextHTML:     string(html),
		Snippet:      d.Snippet,
		LabelIDs:     d.LabelIDs,
		InternalDate: d.InternalDate,
	}, nil
}

// =============================================================================
// Compression
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

var _ out.MessageProvider = (*MessageAdapter)(nil)
