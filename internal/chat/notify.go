package chat

import (
	"fmt"
	"sync"
)

// ErrorSignature identifies one distinct failure for de-duplication.
type ErrorSignature struct {
	Message string
	Code    string
	Status  int
}

func (s ErrorSignature) key() string {
	return fmt.Sprintf("%s|%s|%d", s.Message, s.Code, s.Status)
}

// Notifier surfaces user-facing errors at most once per distinct signature,
// so a failing background refresh does not flood the user with the same
// notification on every retry.
type Notifier struct {
	mu   sync.Mutex
	seen map[string]struct{}
	sink func(ErrorSignature)
}

func NewNotifier(sink func(ErrorSignature)) *Notifier {
	return &Notifier{seen: make(map[string]struct{}), sink: sink}
}

// Notify delivers the signature to the sink the first time it is seen.
// Returns true when delivered.
func (n *Notifier) Notify(sig ErrorSignature) bool {
	n.mu.Lock()
	_, dup := n.seen[sig.key()]
	if !dup {
		n.seen[sig.key()] = struct{}{}
	}
	n.mu.Unlock()
	if dup {
		return false
	}
	if n.sink != nil {
		n.sink(sig)
	}
	return true
}

// Reset forgets seen signatures, e.g. after a successful refresh.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.seen = make(map[string]struct{})
	n.mu.Unlock()
}
