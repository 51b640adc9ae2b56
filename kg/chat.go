package kg

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel is a conversational language model.
type ChatModel interface {
	Chat(ctx context.Context, prompt string, opts ...ChatOption) (string, error)
	ChatStream(ctx context.Context, prompt string, opts ...ChatOption) (*ChatStream, error)
}

type chatOptions struct {
	history      []Message
	systemPrompt string
}

// ChatOption adjusts a single Chat or ChatStream call.
type ChatOption func(*chatOptions)

// WithHistory prepends earlier turns to the conversation.
func WithHistory(history []Message) ChatOption {
	return func(o *chatOptions) {
		o.history = append(o.history, history...)
	}
}

// WithSystemPrompt adds a system message between the history and the prompt.
func WithSystemPrompt(prompt string) ChatOption {
	return func(o *chatOptions) {
		o.systemPrompt = prompt
	}
}

// BuildMessages renders the message list sent to a model: history, then the
// system prompt when set, then prompt as the user turn.
func BuildMessages(prompt string, opts ...ChatOption) []Message {
	var o chatOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	msgs := make([]Message, 0, len(o.history)+2)
	msgs = append(msgs, o.history...)
	if o.systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: o.systemPrompt})
	}
	return append(msgs, Message{Role: RoleUser, Content: prompt})
}

// ChatStream yields the fragments of one streamed reply. Recv returns io.EOF
// once the reply is complete. A stream is read once; Close releases the
// underlying connection and may be called at any time.
type ChatStream struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	decode  func(line []byte) (fragment string, done bool, err error)
	body    io.Closer
	pending []string
	done    bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewChatStream reads newline-delimited records from body, turning each
// non-empty line into a fragment with decode. decode reports done on the
// final record.
func NewChatStream(body io.ReadCloser, decode func(line []byte) (string, bool, error)) *ChatStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ChatStream{scanner: scanner, decode: decode, body: body}
}

// NewStaticChatStream replays fixed fragments; useful for canned replies.
func NewStaticChatStream(fragments ...string) *ChatStream {
	return &ChatStream{pending: append([]string(nil), fragments...), done: true}
}

func (s *ChatStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			next := s.pending[0]
			s.pending = s.pending[1:]
			return next, nil
		}
		if s.done || s.scanner == nil || s.closed.Load() {
			return "", io.EOF
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil && !s.closed.Load() {
				return "", err
			}
			return "", io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fragment, done, err := s.decode(line)
		if err != nil {
			s.done = true
			return "", err
		}
		s.done = done
		if fragment != "" {
			return fragment, nil
		}
	}
}

// Close does not wait for a Recv in progress; that Recv returns io.EOF.
func (s *ChatStream) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
	})
	return s.closeErr
}

// CollectChatStream reads s to the end, concatenating fragments, and closes it.
func CollectChatStream(s *ChatStream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		fragment, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, fragment...)
	}
}
