package kvstore

import (
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/contract/types"
)

var _ Transactional = (*Mpsc)(nil)

type request struct {
	fn   func(Transactional)
	done chan struct{}
}

// Mpsc hands every operation to a single goroutine that owns the inner store.
// Callers block until their operation has been applied.
type Mpsc struct {
	reqs chan request
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMpsc starts the owning goroutine. buffer is the capacity of the request queue.
func NewMpsc(inner Transactional, buffer int) *Mpsc {
	m := &Mpsc{
		reqs: make(chan request, buffer),
		quit: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(inner)
	return m
}

func (m *Mpsc) run(inner Transactional) {
	defer m.wg.Done()
	for {
		select {
		case r := <-m.reqs:
			r.fn(inner)
			close(r.done)
		case <-m.quit:
			return
		}
	}
}

func (m *Mpsc) exec(fn func(Transactional)) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case m.reqs <- r:
	case <-m.quit:
		return errorsmod.Wrap(types.ErrStoreIO, "store closed")
	}
	select {
	case <-r.done:
		return nil
	case <-m.quit:
		// the request may have been queued but not taken before shutdown
		m.wg.Wait()
		select {
		case <-r.done:
			return nil
		default:
			return errorsmod.Wrap(types.ErrStoreIO, "store closed")
		}
	}
}

func (m *Mpsc) Get(key []byte) ([]byte, error) {
	var (
		v   []byte
		err error
	)
	if cerr := m.exec(func(s Transactional) { v, err = s.Get(key) }); cerr != nil {
		return nil, cerr
	}
	return v, err
}

func (m *Mpsc) Set(key, value []byte) error {
	var err error
	if cerr := m.exec(func(s Transactional) { err = s.Set(key, value) }); cerr != nil {
		return cerr
	}
	return err
}

func (m *Mpsc) Delete(key []byte) error {
	var err error
	if cerr := m.exec(func(s Transactional) { err = s.Delete(key) }); cerr != nil {
		return cerr
	}
	return err
}

// Update runs fn on the owning goroutine. fn must not call back into m.
func (m *Mpsc) Update(fn func(tx Backend) error) error {
	var err error
	if cerr := m.exec(func(s Transactional) { err = s.Update(fn) }); cerr != nil {
		return cerr
	}
	return err
}

func (m *Mpsc) Entries() ([]Entry, error) {
	var (
		entries []Entry
		err     error
	)
	if cerr := m.exec(func(s Transactional) { entries, err = s.Entries() }); cerr != nil {
		return nil, cerr
	}
	return entries, err
}

// Close stops the owning goroutine. Operations issued afterwards fail.
func (m *Mpsc) Close() {
	m.once.Do(func() { close(m.quit) })
	m.wg.Wait()
}
