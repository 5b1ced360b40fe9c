package entity

import "sync"

// Completion is the single-settle future for one request. It settles
// exactly once, with either a result or an error. An optional observer,
// installed at construction, runs inline on the settling goroutine before
// Done is closed, so per-key completion order is preserved end to end.
type Completion struct {
	mu       sync.Mutex
	done     chan struct{}
	settled  bool
	result   []byte
	err      error
	observer func(result []byte, err error)
}

func newCompletion(observer func([]byte, error)) *Completion {
	return &Completion{
		done:     make(chan struct{}),
		observer: observer,
	}
}

// Complete settles the future with a result. Later settles are ignored.
func (c *Completion) Complete(result []byte) {
	c.settle(result, nil)
}

// Fail settles the future with an error. Later settles are ignored.
func (c *Completion) Fail(err error) {
	c.settle(nil, err)
}

func (c *Completion) settle(result []byte, err error) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	c.result = result
	c.err = err
	observer := c.observer
	c.observer = nil
	c.mu.Unlock()

	if observer != nil {
		observer(result, err)
	}
	close(c.done)
}

// Done is closed once the future has settled and its observer has run.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the future settles and returns its outcome.
func (c *Completion) Wait() ([]byte, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Request is one inbound action against an entity plus its identity.
// Requests are single-use: each is completed or failed exactly once.
type Request struct {
	// Action is the operation to perform.
	Action Action

	// Source is the originating client, NullClientID if synthetic.
	Source ClientID

	// Transaction is the client-assigned transaction id.
	Transaction TransactionID

	// Oldest is the oldest live transaction on the source client.
	Oldest TransactionID

	// Descriptor is the target entity binding.
	Descriptor EntityDescriptor

	completion *Completion

	// Outbound sync plumbing, set only on ActionSync requests.
	syncTarget SyncTarget
	syncKey    int
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithObserver installs the completion observer, invoked exactly once when
// the request settles.
func WithObserver(observer func(result []byte, err error)) RequestOption {
	return func(r *Request) {
		r.completion.observer = observer
	}
}

// NewRequest creates a request for the given action and identity.
func NewRequest(action Action, source ClientID, transaction, oldest TransactionID, descriptor EntityDescriptor, options ...RequestOption) *Request {
	r := &Request{
		Action:      action,
		Source:      source,
		Transaction: transaction,
		Oldest:      oldest,
		Descriptor:  descriptor,
		completion:  newCompletion(nil),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// newSyncRequest creates the synthetic request that streams one concurrency
// key's state to a passive.
func newSyncRequest(id EntityID, version uint64, key int, target SyncTarget) *Request {
	r := NewRequest(ActionSync, NullClientID, NullTransactionID, NullTransactionID,
		EntityDescriptor{ID: id, Version: version})
	r.syncTarget = target
	r.syncKey = key
	return r
}

// Complete settles the request with a result.
func (r *Request) Complete(result []byte) {
	r.completion.Complete(result)
}

// Fail settles the request with an error.
func (r *Request) Fail(err error) {
	r.completion.Fail(err)
}

// Completion returns the request's future.
func (r *Request) Completion() *Completion {
	return r.completion
}

// Retiree is the capability registered with a RetirementManager: invoked
// once every message it depends on for ordering has itself retired.
type Retiree interface {
	// Retired delivers the retirement. Called exactly once.
	Retired()

	// Transaction identifies the retiring transaction.
	Transaction() TransactionID
}
