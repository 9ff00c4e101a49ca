package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/threadlocal"
)

// MailboxID identifies a mailbox within the message transport.
type MailboxID uint32

// Mailbox is the surface the pub/sub layer consumes from the message
// transport. Implementations live outside this module; MockMailbox in
// this package is an in-process stand-in for tests.
type Mailbox interface {
	// Fd returns the descriptor that becomes readable while a message
	// is pending.
	Fd() int

	// Receive performs one non-blocking receive, returning nil when
	// no message is pending.
	Receive() *Message

	// Free returns a received message to the transport allocator.
	Free(msg *Message)

	// Name resolves a mailbox id to its registered name.
	Name(id MailboxID) (string, bool)
}

// Message is one inter-thread message. Each message reaches at most
// one handler; Release hands it back to the owning mailbox and is
// idempotent, so a handler may release early but must not retain the
// message past its return.
type Message struct {
	number   uint32
	payload  []byte
	sender   MailboxID
	mailbox  Mailbox
	released bool
}

// NewMessage wraps a received transport message for dispatch. Intended
// for Mailbox implementations.
func NewMessage(number uint32, payload []byte, sender MailboxID, owner Mailbox) *Message {
	return &Message{number: number, payload: payload, sender: sender, mailbox: owner}
}

// Number returns the message number used for handler routing.
func (m *Message) Number() uint32 {
	return m.number
}

// Payload returns the message body.
func (m *Message) Payload() []byte {
	return m.payload
}

// Sender returns the id of the mailbox the message came from.
func (m *Message) Sender() MailboxID {
	return m.sender
}

// Release returns the message to its mailbox allocator. Only the first
// call has effect.
func (m *Message) Release() {
	if m.released || m.mailbox == nil {
		return
	}
	m.released = true
	m.mailbox.Free(m)
}

// MessageHandler consumes one received message.
type MessageHandler func(msg *Message)

// PubSub routes incoming mailbox messages by message number. Obtain it
// with CurrentPubSub; every method must be called on the owning
// thread. At most one mailbox is bound per thread.
type PubSub struct {
	ownerTID int
	loop     *Loop
	mailbox  Mailbox
	handlers map[uint32]MessageHandler
	log      *logging.Logger
}

// CurrentPubSub returns the calling thread's pub/sub demultiplexer,
// creating it on first access.
func CurrentPubSub() *PubSub {
	return threadlocal.Get[PubSub]()
}

// ResetPubSub destroys the calling thread's pub/sub demultiplexer.
func ResetPubSub() {
	threadlocal.Reset[PubSub]()
}

// InitThreadLocal records the owning thread and binds the thread's
// loop. Invoked by the thread-local store; not for direct use.
func (p *PubSub) InitThreadLocal() {
	p.ownerTID = unix.Gettid()
	p.loop = CurrentLoop()
	p.handlers = make(map[uint32]MessageHandler)
	p.log = logging.Default()
}

func (p *PubSub) checkThread(op string) error {
	if unix.Gettid() != p.ownerTID {
		p.log.Error("operation called off the owner thread", "op", op, "owner", p.ownerTID, "caller", unix.Gettid())
		return opError(op, -1, CodeWrongThread)
	}
	return nil
}

// BindMailbox registers the mailbox's readable descriptor with the
// thread's event loop and routes its messages through this
// demultiplexer.
func (p *PubSub) BindMailbox(mb Mailbox) error {
	const op = "BIND_MAILBOX"
	if err := p.checkThread(op); err != nil {
		return err
	}
	if mb == nil {
		return opError(op, -1, CodeInvalidArg)
	}
	if p.mailbox != nil {
		p.log.Warn("mailbox already bound", "fd", p.mailbox.Fd())
		return opError(op, mb.Fd(), CodeAlreadyExists)
	}

	cb := func(int, EventMask) { p.onMailboxReadable() }
	if err := p.loop.Add(mb.Fd(), Readable, cb); err != nil {
		p.log.Error("failed to register mailbox fd with event loop", "fd", mb.Fd(), "err", err)
		return internalError(op, mb.Fd(), err)
	}

	p.mailbox = mb
	p.log.Info("mailbox bound", "fd", mb.Fd())
	return nil
}

// Register installs a handler for a message number.
func (p *PubSub) Register(msgNo uint32, handler MessageHandler) error {
	const op = "REGISTER_MSG"
	if err := p.checkThread(op); err != nil {
		return err
	}
	if handler == nil {
		return opError(op, -1, CodeInvalidArg)
	}

	if _, ok := p.handlers[msgNo]; ok {
		p.log.Warn("message number already registered", "msgNo", msgNo)
		return opError(op, -1, CodeAlreadyExists)
	}

	p.handlers[msgNo] = handler
	p.log.Debug("message handler registered", "msgNo", msgNo)
	return nil
}

// Deregister removes the handler for a message number.
func (p *PubSub) Deregister(msgNo uint32) error {
	const op = "DEREGISTER_MSG"
	if err := p.checkThread(op); err != nil {
		return err
	}

	if _, ok := p.handlers[msgNo]; !ok {
		p.log.Warn("message number not registered", "msgNo", msgNo)
		return opError(op, -1, CodeNotFound)
	}

	delete(p.handlers, msgNo)
	p.log.Debug("message handler deregistered", "msgNo", msgNo)
	return nil
}

// onMailboxReadable drains exactly one message per readiness event;
// further pending messages fire on subsequent loop iterations, which
// naturally interleaves mailbox traffic with the thread's other
// descriptors.
func (p *PubSub) onMailboxReadable() {
	msg := p.mailbox.Receive()
	if msg == nil {
		return
	}
	defer msg.Release()

	handler, ok := p.handlers[msg.Number()]
	if !ok {
		from := "-"
		if name, ok := p.mailbox.Name(msg.Sender()); ok {
			from = name
		}
		p.log.Warn("no handler for message, discarding", "msgNo", msg.Number(), "from", from)
		p.loop.metrics.MessagesDiscarded.Add(1)
		return
	}

	p.loop.metrics.MessagesRouted.Add(1)
	handler(msg)
}

// Close deregisters the bound mailbox descriptor, if any. Invoked by
// the thread-local store on reset or thread release.
func (p *PubSub) Close() error {
	if p.mailbox == nil {
		return nil
	}
	_ = p.loop.Remove(p.mailbox.Fd())
	p.mailbox = nil
	p.log.Debug("pub/sub closed")
	return nil
}
