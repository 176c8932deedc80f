package hub

import "errors"

// ErrUnknownToken is returned for a reply whose token was never
// allocated or was already resolved; such replies are logged and
// dropped by the actor.
var ErrUnknownToken = errors.New("hub: unknown correlation token")

// Table pairs outgoing correlated calls with their replies. Tokens are
// small non-negative integers, reused as soon as they are resolved.
// The table belongs to one device actor and is never shared.
type Table struct {
	waiting map[int]chan<- []byte
}

func NewTable() *Table {
	return &Table{waiting: make(map[int]chan<- []byte)}
}

// Allocate records the caller under the first free token.
func (t *Table) Allocate(caller chan<- []byte) int {
	token := 0
	for {
		if _, used := t.waiting[token]; !used {
			t.waiting[token] = caller
			return token
		}
		token++
	}
}

// Resolve removes and returns the caller waiting on token.
func (t *Table) Resolve(token int) (chan<- []byte, error) {
	caller, ok := t.waiting[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	delete(t.waiting, token)
	return caller, nil
}

// Outstanding reports how many calls are still waiting.
func (t *Table) Outstanding() int {
	return len(t.waiting)
}
