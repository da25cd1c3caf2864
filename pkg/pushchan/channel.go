// Package pushchan delivers server push events for a named channel. Every
// backend exposes the same Subscribe/Bind/Unbind/Unsubscribe surface so the
// sync engine never knows which transport it is reading from.
package pushchan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mahaj/presence-sync/pkg/model"
)

type Handler func(data []byte)

type Channel interface {
	Bind(event string, h Handler)
	Unbind(event string)
	Unsubscribe() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, name string) (Channel, error)
}

type TokenSource interface {
	Token() string
}

// UserChannel is the private channel carrying a user's message events.
func UserChannel(userID string) string {
	return "private-user-" + userID
}

// binder fans frames out to the handlers bound per event.
type binder struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func (b *binder) Bind(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]Handler)
	}
	b.handlers[event] = append(b.handlers[event], h)
}

func (b *binder) Unbind(event string) {
	b.mu.Lock()
	delete(b.handlers, event)
	b.mu.Unlock()
}

func (b *binder) unbindAll() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// dispatch decodes an envelope frame and calls the handlers for its event.
// Frames addressed to another channel are ignored.
func (b *binder) dispatch(channel string, raw []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("pushchan: decode frame: %w", err)
	}
	if env.Channel != "" && env.Channel != channel {
		return nil
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[env.Event]...)
	b.mu.RUnlock()

	for _, h := range hs {
		h(env.Data)
	}
	return nil
}

// Encode builds the envelope frame backends carry.
func Encode(channel, event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: event, Channel: channel, Data: payload})
}
