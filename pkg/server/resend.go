package server

import (
	"errors"
	"sort"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

// sparseList holds resent messages keyed by their recovered position in
// the durable transaction order. Replay walks it in index order.
type sparseList struct {
	entries []sparseEntry
}

type sparseEntry struct {
	index int
	msg   *ClientMessage
}

func (l *sparseList) insert(index int, msg *ClientMessage) {
	at := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].index >= index
	})
	l.entries = append(l.entries, sparseEntry{})
	copy(l.entries[at+1:], l.entries[at:])
	l.entries[at] = sparseEntry{index: index, msg: msg}
}

func (l *sparseList) drain() []*ClientMessage {
	msgs := make([]*ClientMessage, 0, len(l.entries))
	for _, e := range l.entries {
		msgs = append(msgs, e.msg)
	}
	l.entries = nil
	return msgs
}

// submitResent queues one resent transaction for replay. Resends arriving
// after the reconnect window has closed run through the normal path.
func (h *TransactionHandler) submitResent(msg *ClientMessage) {
	h.mu.Lock()
	fired := h.fired
	h.mu.Unlock()
	if fired {
		h.execute(msg)
		return
	}

	if h.answerFromJournal(msg) {
		return
	}

	switch msg.Action {
	case entity.ActionFetch, entity.ActionRelease:
		h.mu.Lock()
		h.references = append(h.references, msg)
		h.mu.Unlock()
		return
	}

	index := h.order.IndexToReplay(msg.Source, msg.Transaction)
	h.mu.Lock()
	if index >= 0 {
		h.replay.insert(index, msg)
	} else {
		h.fresh = append(h.fresh, msg)
	}
	h.mu.Unlock()
}

// answerFromJournal replies to a resent lifecycle operation whose outcome
// is already journaled, without re-executing it.
func (h *TransactionHandler) answerFromJournal(msg *ClientMessage) bool {
	var entry *persistence.JournalEntry
	var err error
	switch msg.Action {
	case entity.ActionCreate:
		entry, err = h.entities.WasEntityCreatedInJournal(msg.Source, msg.Transaction)
	case entity.ActionDestroy:
		entry, err = h.entities.WasEntityDestroyedInJournal(msg.Source, msg.Transaction)
	case entity.ActionReconfigure:
		entry, err = h.entities.ReconfiguredResultInJournal(msg.Source, msg.Transaction)
	default:
		return false
	}
	if err != nil {
		h.logger.Error(err, "consulting journal for resend",
			"client", string(msg.Source), "transaction", int64(msg.Transaction))
		return false
	}
	if entry == nil {
		return false
	}
	if entry.Failed() {
		h.batcher.Failure(msg.Source, msg.Transaction, errors.New(entry.Failure))
	} else {
		h.batcher.Result(msg.Source, msg.Transaction, entry.Result)
	}
	h.batcher.Retired(msg.Source, msg.Transaction)
	return true
}

// ProcessResends closes the reconnect window and replays queued resends:
// reference operations first, then resends in recovered durable order,
// then resends with no recorded order. The window closes exactly once;
// the first fresh submission closes it implicitly.
func (h *TransactionHandler) ProcessResends() {
	h.submitMu.Lock()
	defer h.submitMu.Unlock()
	h.processResends()
}

func (h *TransactionHandler) processResends() {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	references := h.references
	h.references = nil
	ordered := h.replay.drain()
	fresh := h.fresh
	h.fresh = nil
	h.mu.Unlock()

	// Replay indices were already recovered; records appended from here
	// on belong to the new incarnation.
	if err := h.order.ClearAllRecords(); err != nil {
		panic("clearing transaction order before replay: " + err.Error())
	}

	for _, msg := range references {
		h.execute(msg)
	}
	for _, msg := range ordered {
		h.execute(msg)
	}
	for _, msg := range fresh {
		h.execute(msg)
	}

	if err := h.entities.RemoveTrackingForClient(entity.NullClientID); err != nil {
		panic("purging null-client journal tracking after replay: " + err.Error())
	}
}
