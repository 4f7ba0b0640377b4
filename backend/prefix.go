package backend

import "strings"

// WithPrefix wraps b so every key is stored under prefix+key. The prefix is
// invisible above the decorator: Get/Set/Remove/Keys and Events all speak
// unprefixed keys, and events for keys outside the prefix are dropped. Two
// differently prefixed wrappers over one medium are fully isolated.
func WithPrefix(b Backend, prefix string) Backend {
	if prefix == "" {
		return b
	}
	return &prefixed{inner: b, prefix: prefix}
}

type prefixed struct {
	inner  Backend
	prefix string
}

func (p *prefixed) Get(key string) (string, bool, error) {
	return p.inner.Get(p.prefix + key)
}

func (p *prefixed) Set(key, value string) error {
	return p.inner.Set(p.prefix+key, value)
}

func (p *prefixed) Remove(key string) error {
	return p.inner.Remove(p.prefix + key)
}

func (p *prefixed) Events() <-chan Event {
	in := p.inner.Events()
	if in == nil {
		return nil
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range in {
			if !strings.HasPrefix(ev.Key, p.prefix) {
				continue
			}
			ev.Key = strings.TrimPrefix(ev.Key, p.prefix)
			out <- ev
		}
	}()
	return out
}

// Keys lists the wrapped medium's keys under the prefix, stripped.
// Returns ErrNotListable when the wrapped backend cannot enumerate.
func (p *prefixed) Keys() ([]string, error) {
	l, ok := p.inner.(Lister)
	if !ok {
		return nil, ErrNotListable
	}
	all, err := l.Keys()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, p.prefix) {
			keys = append(keys, strings.TrimPrefix(k, p.prefix))
		}
	}
	return keys, nil
}

func (p *prefixed) Close() error {
	return p.inner.Close()
}
