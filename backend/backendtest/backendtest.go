// Package backendtest provides a scripted backend.Dialer for tests.
package backendtest

import (
	"context"
	"errors"
	"sync"

	"github.com/minios-linux/epubtrans/backend"
)

// Reply scripts the answer to one Send call.
type Reply struct {
	// Messages are delivered in order, then the channel is closed.
	Messages []backend.Message
	// SendErr makes Send itself fail.
	SendErr error
	// Hang keeps the channel open after Messages until ctx ends.
	Hang bool
}

// Text replies with text and a normal finish.
func Text(text string) Reply {
	return Reply{Messages: []backend.Message{backend.Chunk(text), backend.Finish(backend.FinishStop)}}
}

// Truncated replies with text cut by the length limit.
func Truncated(text string) Reply {
	return Reply{Messages: []backend.Message{backend.Chunk(text), backend.Finish(backend.FinishLength)}}
}

// Fail replies with a stream error.
func Fail(err error) Reply {
	return Reply{Messages: []backend.Message{backend.Failure(err)}}
}

// Stall sends text and then goes silent.
func Stall(text string) Reply {
	r := Reply{Hang: true}
	if text != "" {
		r.Messages = []backend.Message{backend.Chunk(text)}
	}
	return r
}

// ErrNoReply is streamed when the script runs out.
var ErrNoReply = errors.New("backendtest: no scripted reply left")

// Dialer hands out sessions that share one reply script.
type Dialer struct {
	mu sync.Mutex

	replies  []Reply
	dialErrs []error
	pingErrs []error

	prompts  []string
	dials    int
	pings    int
	sessions []*Session
}

// NewDialer returns a dialer answering with replies in order.
func NewDialer(replies ...Reply) *Dialer {
	return &Dialer{replies: replies}
}

// Queue appends replies to the script.
func (d *Dialer) Queue(replies ...Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, replies...)
}

// FailDials makes the next len(errs) Dial calls fail with errs in order.
func (d *Dialer) FailDials(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

// FailPings makes the next len(errs) Ping calls fail with errs in order.
func (d *Dialer) FailPings(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErrs = append(d.pingErrs, errs...)
}

// Dial implements backend.Dialer.
func (d *Dialer) Dial(ctx context.Context) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}
	s := &Session{d: d}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Prompts returns every prompt sent so far.
func (d *Dialer) Prompts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prompts...)
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Pings returns the number of Ping calls.
func (d *Dialer) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

// Closed returns how many sessions were closed.
func (d *Dialer) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if s.closed {
			n++
		}
	}
	return n
}

// Remaining returns the number of unused replies.
func (d *Dialer) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.replies)
}

func (d *Dialer) next(prompt string) Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts = append(d.prompts, prompt)
	if len(d.replies) == 0 {
		return Fail(ErrNoReply)
	}
	r := d.replies[0]
	d.replies = d.replies[1:]
	return r
}

// Session is a scripted backend.Session.
type Session struct {
	d      *Dialer
	closed bool
}

// Send implements backend.Session.
func (s *Session) Send(ctx context.Context, prompt string) (<-chan backend.Message, error) {
	s.d.mu.Lock()
	closed := s.closed
	s.d.mu.Unlock()
	if closed {
		return nil, backend.ErrClosed
	}

	r := s.d.next(prompt)
	if r.SendErr != nil {
		return nil, r.SendErr
	}

	out := make(chan backend.Message)
	go func() {
		defer close(out)
		for _, m := range r.Messages {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if r.Hang {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Ping implements backend.Session.
func (s *Session) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.pings++
	if len(s.d.pingErrs) > 0 {
		err := s.d.pingErrs[0]
		s.d.pingErrs = s.d.pingErrs[1:]
		return err
	}
	return nil
}

// Close implements backend.Session.
func (s *Session) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.closed = true
	return nil
}
