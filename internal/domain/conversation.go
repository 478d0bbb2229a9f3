package domain

import "time"

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	SpeakerUser     Speaker = "user"
	SpeakerNarrator Speaker = "narrator"
)

// Turn is a single utterance in a conversation.
type Turn struct {
	Speaker Speaker
	Text    string
}

// Conversation is the durable state of one storytelling session.
//
// Turns is append-only while the session is active. Summary accumulates
// compacted text for all turns up to and including SummaryCheckpoint;
// a checkpoint of -1 means nothing has been folded yet. Once Completed
// is set, Story and Title supersede Turns/Summary and the conversation
// is terminal.
type Conversation struct {
	ID                string
	Owner             string
	Turns             []Turn
	Summary           string
	SummaryCheckpoint int
	Completed         bool
	Story             string
	Title             string
	CreatedAt         time.Time
}

// Tail returns the turns strictly after the summary checkpoint, i.e.
// the raw history not yet folded into the standing summary.
func (c Conversation) Tail() []Turn {
	start := c.SummaryCheckpoint + 1
	if start < 0 || start >= len(c.Turns) {
		return nil
	}
	return c.Turns[start:]
}
