// Package comms reads the per-agent inbox and outbox markdown files.
package comms

import (
	"bytes"
	"os"
	"path/filepath"
	"time"
)

const (
	taskIDMarker   = "TASK_ID:"
	noMessagesText = "No messages"
	blockedMarker  = "[BLOCKED]"
)

// Mailbox locates agent artifacts: <inboxes>/<agent>.md and <outboxes>/<agent>.md.
type Mailbox struct {
	InboxesDir  string
	OutboxesDir string
}

func New(inboxesDir, outboxesDir string) *Mailbox {
	return &Mailbox{InboxesDir: inboxesDir, OutboxesDir: outboxesDir}
}

func (m *Mailbox) InboxPath(agentID string) string {
	return filepath.Join(m.InboxesDir, agentID+".md")
}

func (m *Mailbox) OutboxPath(agentID string) string {
	return filepath.Join(m.OutboxesDir, agentID+".md")
}

// HasPendingInbox reports whether the agent's inbox carries addressed content:
// a TASK_ID: line, or at least one "## " heading with no "No messages" placeholder.
func (m *Mailbox) HasPendingInbox(agentID string) bool {
	content, err := os.ReadFile(m.InboxPath(agentID))
	if err != nil {
		return false
	}
	if bytes.Contains(content, []byte(taskIDMarker)) {
		return true
	}
	if bytes.Contains(content, []byte(noMessagesText)) {
		return false
	}
	for _, line := range bytes.Split(content, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("## ")) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether the agent's outbox carries the [BLOCKED] marker.
func (m *Mailbox) IsBlocked(agentID string) bool {
	content, err := os.ReadFile(m.OutboxPath(agentID))
	if err != nil {
		return false
	}
	return bytes.Contains(content, []byte(blockedMarker))
}

// OutboxModTime returns the outbox modification time, if the outbox exists.
func (m *Mailbox) OutboxModTime(agentID string) (time.Time, bool) {
	info, err := os.Stat(m.OutboxPath(agentID))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
