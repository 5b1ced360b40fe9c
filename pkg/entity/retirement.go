package entity

import "sync"

// RetirementManager tracks completion-to-retirement ordering for one
// entity. Business completion may be reordered across concurrency keys, but
// retirement — the point at which a message's effects are guaranteed
// visible to outside observers — follows registration order within a key.
type RetirementManager struct {
	mu        sync.Mutex
	keys      map[int][]*retireNode
	byMessage map[Message]*retireNode
}

type retireNode struct {
	key      int
	complete bool
	retiree  Retiree
}

// NewRetirementManager creates an empty retirement manager.
func NewRetirementManager() *RetirementManager {
	return &RetirementManager{
		keys:      make(map[int][]*retireNode),
		byMessage: make(map[Message]*retireNode),
	}
}

// The reserved keys serialize against everything, so their messages share
// one retirement queue with the management key.
func normalizeKey(key int) int {
	if key == UniversalKey {
		return ManagementKey
	}
	return key
}

// Track registers a message on its concurrency key at scheduling time.
// Messages registered earlier on the same key retire first.
func (r *RetirementManager) Track(message Message, key int) {
	if message == nil {
		return
	}
	key = normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	node := &retireNode{key: key}
	r.keys[key] = append(r.keys[key], node)
	r.byMessage[message] = node
}

// UpdateWithRetiree attaches the retirement capability for a tracked
// message. It must be called before RetireForCompletion for that message.
func (r *RetirementManager) UpdateWithRetiree(message Message, retiree Retiree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.byMessage[message]; ok {
		node.retiree = retiree
	}
}

// RetireForCompletion marks the message complete and returns every retiree
// whose dependencies are now satisfied: the run of completed messages from
// the head of the message's key queue. Each returned retiree is handed out
// exactly once.
func (r *RetirementManager) RetireForCompletion(message Message) []Retiree {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.byMessage[message]
	if !ok {
		return nil
	}
	node.complete = true
	delete(r.byMessage, message)

	var ready []Retiree
	queue := r.keys[node.key]
	for len(queue) > 0 && queue[0].complete {
		head := queue[0]
		queue = queue[1:]
		if head.retiree != nil {
			ready = append(ready, head.retiree)
		}
	}
	if len(queue) == 0 {
		delete(r.keys, node.key)
	} else {
		r.keys[node.key] = queue
	}
	return ready
}
