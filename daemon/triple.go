package daemon

import (
	"context"
	"net"
)

const (
	slotInput = iota
	slotOutput
	slotDiagnostic
)

// triple is the set of connections from one proxy attach.
type triple struct {
	input      net.Conn
	output     net.Conn
	diagnostic net.Conn
}

func (t *triple) close() {
	t.input.Close()
	t.output.Close()
	t.diagnostic.Close()
}

type accepted struct {
	slot int
	pid  int
	conn net.Conn
}

// acceptLoop accepts connections from l until it fails, tagging each one with its slot and peer PID.
func acceptLoop(ctx context.Context, l net.Listener, slot int, conns chan<- accepted, stopped chan<- struct{}) {
	defer func() { stopped <- struct{}{} }()
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		select {
		case conns <- accepted{slot: slot, pid: peerPID(c), conn: c}:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// acceptTriples groups connections from the three listeners into triples, one per dialing process.
// The returned channel is closed once any listener stops accepting.
func acceptTriples(ctx context.Context, ls *Listeners) <-chan *triple {
	conns := make(chan accepted)
	stopped := make(chan struct{}, 3)
	go acceptLoop(ctx, ls.Input, slotInput, conns, stopped)
	go acceptLoop(ctx, ls.Output, slotOutput, conns, stopped)
	go acceptLoop(ctx, ls.Diagnostic, slotDiagnostic, conns, stopped)

	triples := make(chan *triple)
	go func() {
		defer close(triples)
		m := newMatcher()
		defer m.closeAll()
		for {
			select {
			case a := <-conns:
				t := m.add(a)
				if t == nil {
					continue
				}
				select {
				case triples <- t:
				case <-ctx.Done():
					t.close()
					return
				}
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return triples
}

// partial holds the connections a peer has dialed so far.
type partial struct {
	seq   uint64
	conns [3]net.Conn
}

func (p *partial) close() {
	for _, c := range p.conns {
		if c != nil {
			c.Close()
		}
	}
}

// matcher pairs connections by peer PID. A proxy that dies partway through dialing leaves
// connections behind that would otherwise be paired with the next proxy's.
type matcher struct {
	seq      uint64
	partials map[int]*partial
}

func newMatcher() *matcher {
	return &matcher{partials: map[int]*partial{}}
}

// add records a and returns a triple once its peer has all three connections open.
func (m *matcher) add(a accepted) *triple {
	p, ok := m.partials[a.pid]
	if !ok {
		m.seq++
		p = &partial{seq: m.seq}
		m.partials[a.pid] = p
	}
	// a second dial of the same socket means the peer gave up on its earlier attach
	if old := p.conns[a.slot]; old != nil {
		old.Close()
	}
	p.conns[a.slot] = a.conn

	complete := true
	for i, c := range p.conns {
		if c != nil && peerClosed(c) {
			c.Close()
			p.conns[i] = nil
		}
		if p.conns[i] == nil {
			complete = false
		}
	}
	if !complete {
		return nil
	}

	delete(m.partials, a.pid)
	// attaches are serialized by the launch lock, so anything older is abandoned
	for pid, other := range m.partials {
		if other.seq < p.seq {
			other.close()
			delete(m.partials, pid)
		}
	}
	return &triple{
		input:      p.conns[slotInput],
		output:     p.conns[slotOutput],
		diagnostic: p.conns[slotDiagnostic],
	}
}

func (m *matcher) closeAll() {
	for pid, p := range m.partials {
		p.close()
		delete(m.partials, pid)
	}
}
