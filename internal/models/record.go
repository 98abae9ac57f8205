package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/record-exporter/internal/types"
)

// Record is a single exported row, independent of the output format
type Record interface {
	// RecordID returns the remote identifier of the record
	RecordID() string
	// CSVValues returns the raw (unescaped) column values in CSVHeader order
	CSVValues() []string
}

var conversationColumns = []string{
	"Conversation ID", "Contact ID", "Contact Name", "Email", "Phone", "Type",
	"Last Message Type", "Last Message Body", "Last Message Date", "Unread Count",
	"Starred", "Date Added", "Date Updated",
}

var messageColumns = []string{
	"Message ID", "Conversation ID", "Contact ID", "Direction", "Message Type",
	"Status", "Body", "Attachments", "Date Added",
}

// CSVHeader returns the column names for a record kind
func CSVHeader(kind types.RecordKind) []string {
	if kind == types.KindMessages {
		return messageColumns
	}
	return conversationColumns
}

// ConversationRecord is a conversation-level record from the remote API
type ConversationRecord struct {
	ID              string `json:"id"`
	ContactID       string `json:"contactId"`
	ContactName     string `json:"contactName,omitempty"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Type            string `json:"type,omitempty"`
	LastMessageType string `json:"lastMessageType,omitempty"`
	LastMessageBody string `json:"lastMessageBody,omitempty"`
	LastMessageDate int64  `json:"lastMessageDate,omitempty"`
	UnreadCount     int    `json:"unreadCount"`
	Starred         bool   `json:"starred"`
	DateAdded       int64  `json:"dateAdded,omitempty"`
	DateUpdated     int64  `json:"dateUpdated,omitempty"`
}

func (r *ConversationRecord) RecordID() string { return r.ID }

func (r *ConversationRecord) CSVValues() []string {
	return []string{
		r.ID,
		r.ContactID,
		r.ContactName,
		r.Email,
		r.Phone,
		r.Type,
		r.LastMessageType,
		r.LastMessageBody,
		formatMillis(r.LastMessageDate),
		strconv.Itoa(r.UnreadCount),
		strconv.FormatBool(r.Starred),
		formatMillis(r.DateAdded),
		formatMillis(r.DateUpdated),
	}
}

// MessageRecord is a message-level record from the remote API
type MessageRecord struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	ContactID      string   `json:"contactId,omitempty"`
	Direction      string   `json:"direction,omitempty"`
	MessageType    string   `json:"messageType,omitempty"`
	Status         string   `json:"status,omitempty"`
	Body           string   `json:"body,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	DateAdded      string   `json:"dateAdded,omitempty"`
}

func (r *MessageRecord) RecordID() string { return r.ID }

func (r *MessageRecord) CSVValues() []string {
	return []string{
		r.ID,
		r.ConversationID,
		r.ContactID,
		r.Direction,
		r.MessageType,
		r.Status,
		r.Body,
		strings.Join(r.Attachments, " "),
		r.DateAdded,
	}
}

// formatMillis renders epoch milliseconds as RFC 3339, leaving unknown dates empty
func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
