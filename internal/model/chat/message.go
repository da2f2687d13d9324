package chat

// Sender identifies who produced a transcript entry.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Entry is one line of a chat transcript.
type Entry struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
	HTML   string `json:"html,omitempty"`
}

// UserEntry builds an entry for a submitted query.
func UserEntry(text string) Entry {
	return Entry{Sender: SenderUser, Text: text}
}

// BotEntry builds an entry for a reply or fallback text.
func BotEntry(text string) Entry {
	return Entry{Sender: SenderBot, Text: text}
}
