// Package outbox is the durable half of home automation delivery. Device
// updates are spooled to disk first, a worker replays them until the server
// accepts. The home automation side being down must never lose energy data.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/log2"
	"github.com/temoto/spq"
)

// Sender delivers one device update. ha.Client implements it.
type Sender interface {
	Push(ctx context.Context, idx int, svalue string) error
}

const (
	DefaultRetryMin = 1 * time.Second
	DefaultRetryMax = 5 * time.Minute
)

type Options struct {
	Path     string
	Sender   Sender
	Log      *log2.Log
	RetryMin time.Duration
	RetryMax time.Duration
}

// denote value type in persistent queue bytes form
const qDevicePush byte = 1

type entry struct {
	Idx    int    `json:"idx"`
	SValue string `json:"svalue"`
}

// Outbox contract:
// - Push blocks at most for the disk write
// - entries survive restart, delivered in order, at least once
// - failed delivery returns the entry to the queue after a backoff delay
// - Close stops the worker, undelivered entries stay on disk
type Outbox struct {
	alive  *alive.Alive
	log    *log2.Log
	q      *spq.Queue
	sender Sender
	bo     helpers.Backoff
}

func Open(opt Options) (*Outbox, error) {
	if opt.Sender == nil {
		panic("code error outbox sender nil")
	}
	if opt.RetryMin == 0 {
		opt.RetryMin = DefaultRetryMin
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = DefaultRetryMax
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotate(err, "outbox queue")
	}
	ob := &Outbox{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		q:      q,
		sender: opt.Sender,
		bo:     helpers.Backoff{Min: opt.RetryMin, Max: opt.RetryMax, K: 2},
	}
	ob.alive.Add(1)
	go ob.worker()
	return ob, nil
}

func (ob *Outbox) Push(idx int, svalue string) error {
	b, err := json.Marshal(entry{Idx: idx, SValue: svalue})
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, 0, 1+len(b))
	buf = append(buf, qDevicePush)
	buf = append(buf, b...)
	return errors.Annotate(ob.q.Push(buf), "outbox push")
}

func (ob *Outbox) Close() {
	ob.alive.Stop()
	ob.q.Close()
	ob.alive.Wait()
}

func (ob *Outbox) worker() {
	defer ob.alive.Done()
	for {
		box, err := ob.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, herr := ob.handle(b)
			if herr != nil {
				ob.log.Errorf("outbox handle b=%x err=%v", b, herr)
			}
			if del {
				if err = ob.q.Delete(box); err != nil {
					ob.log.Errorf("outbox delete b=%x err=%v", b, err)
				}
				ob.bo.Reset()
			} else {
				if err = ob.q.DeletePush(box); err != nil {
					ob.log.Errorf("outbox requeue b=%x err=%v", b, err)
				}
				ob.bo.Failure()
				delay := ob.bo.DelayBefore()
				ob.log.Debugf("outbox retry delay=%s", delay)
				if !ob.sleep(delay) {
					return
				}
			}

		case spq.ErrClosed:
			if ob.alive.IsRunning() {
				ob.log.Errorf("CRITICAL outbox spq closed unexpectedly")
			}
			return

		default:
			// disk full and friends, retry is all we have
			ob.log.Errorf("CRITICAL outbox spq err=%v", err)
			ob.bo.Failure()
			if !ob.sleep(ob.bo.DelayBefore()) {
				return
			}
		}
	}
}

func (ob *Outbox) handle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.Errorf("outbox empty entry")
	}
	switch b[0] {
	case qDevicePush:
		var e entry
		if err := json.Unmarshal(b[1:], &e); err != nil {
			// retry will not help
			return true, errors.Annotatef(err, "outbox entry=%x", b)
		}
		if err := ob.sender.Push(context.Background(), e.Idx, e.SValue); err != nil {
			return false, errors.Annotatef(err, "outbox send idx=%d", e.Idx)
		}
		return true, nil

	default:
		// retry will not help
		return true, errors.Errorf("outbox unknown kind=%d b=%x", b[0], b)
	}
}

func (ob *Outbox) sleep(d time.Duration) bool {
	if d <= 0 {
		return ob.alive.IsRunning()
	}
	select {
	case <-time.After(d):
		return true
	case <-ob.alive.StopChan():
		return false
	}
}
