// Package pool keeps a buffer of pre-generated RSA key pairs for the login
// encryption handshake.
//
// # Problem
//
// Every online-mode login needs a proxy key pair to present to the client.
// Generating a 1024-bit RSA key takes tens of milliseconds on a busy host,
// and it sits directly on the login path between the origin's encryption
// request and the client seeing it.
//
// # Solution
//
// Pool maintains a fixed-size buffer of ready key pairs. A background
// goroutine keeps the buffer full. When a login needs a key, Acquire()
// returns one immediately, or generates one inline if the buffer is empty.
// Each key pair is handed out once.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/crypt"
	"github.com/MEMOxiiii/odonata-bridge/internal/metrics"
)

// Pool maintains a buffer of pre-generated key pairs. Once created, it
// refills itself in the background until Close() is called.
type Pool struct {
	bits int
	size int
	warm chan *crypt.KeyPair

	// filling tracks how many fillOne goroutines are currently running.
	filling atomic.Int32

	generate      func(bits int) (*crypt.KeyPair, error)
	interval      time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Pool of size keys of the given modulus size and starts the
// background refill goroutine.
func New(ctx context.Context, bits, size int) *Pool {
	p := newPool(ctx, bits, size, crypt.GenerateKeyPair)
	go p.fillLoop()
	return p
}

func newPool(ctx context.Context, bits, size int, gen func(int) (*crypt.KeyPair, error)) *Pool {
	if size <= 0 {
		size = 4
	}
	if bits <= 0 {
		bits = crypt.DefaultKeyBits
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		bits:          bits,
		size:          size,
		warm:          make(chan *crypt.KeyPair, size),
		generate:      gen,
		interval:      500 * time.Millisecond,
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
		ctx:           poolCtx,
		cancel:        cancel,
	}
}

// Acquire returns an unused key pair. Falls back to generating one inline
// if the pool is empty.
func (p *Pool) Acquire() (*crypt.KeyPair, error) {
	select {
	case kp := <-p.warm:
		return kp, nil
	default:
	}

	metrics.KeyPoolMisses.Inc()
	kp, err := p.generate(p.bits)
	if err != nil {
		return nil, fmt.Errorf("acquire key pair: %w", err)
	}
	return kp, nil
}

// Close stops the background refill goroutine and drops buffered keys.
func (p *Pool) Close() {
	p.cancel()
	for {
		select {
		case <-p.warm:
		default:
			return
		}
	}
}

// Len returns the number of pre-generated key pairs currently available.
func (p *Pool) Len() int { return len(p.warm) }

// fillLoop keeps the warm channel full.
func (p *Pool) fillLoop() {
	for {
		needed := p.size - len(p.warm) - int(p.filling.Load())
		for i := 0; i < needed; i++ {
			p.filling.Add(1)
			go p.fillOne()
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// fillOne generates one key pair, backing off while generation fails.
func (p *Pool) fillOne() {
	defer p.filling.Add(-1)

	delay := p.retryDelay
	for {
		kp, err := p.generate(p.bits)
		if err == nil {
			select {
			case p.warm <- kp:
			case <-p.ctx.Done():
			default:
			}
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < p.maxRetryDelay {
			delay *= 2
			if delay > p.maxRetryDelay {
				delay = p.maxRetryDelay
			}
		}
	}
}
