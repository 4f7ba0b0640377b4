package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ListenCmd creates a Bubble Tea command that waits for the next value on ch
// and returns it as a tea.Msg. Returns nil if the context is cancelled or the
// channel is closed.
func ListenCmd[T any](ctx context.Context, ch <-chan T) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			return v
		}
	}
}

// ContinuousListener holds a channel subscription for a Bubble Tea update
// loop. Call Listen again after each received value to keep the stream going.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan T
}

// NewContinuousListener wraps an already-subscribed channel.
func NewContinuousListener[T any](ctx context.Context, ch <-chan T) *ContinuousListener[T] {
	return &ContinuousListener[T]{ctx: ctx, ch: ch}
}

// Listen returns a tea.Cmd that waits for the next value.
func (l *ContinuousListener[T]) Listen() tea.Cmd {
	return ListenCmd(l.ctx, l.ch)
}
