// The MIT License (MIT)
//
// # Copyright (c) 2024 tobewalker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package channel implements the per-connection runtime every spice channel
// type is built on: a framed reader over a byte transport, an outgoing pipe
// drained one item at a time through a vectored writer, and a credit-based
// acknowledgment window throttling the two.
package channel

import (
	"github.com/pkg/errors"

	"github.com/tobewalker/spice/event"
	"github.com/tobewalker/spice/wire"
)

// Callbacks is the vector a channel type plugs its behavior in with. Either
// HandleMessage or the Parser/HandleParsed pair must be set; with a Parser,
// OnIncomingError and OnOutgoingError may refine the default error handling.
// The migration hooks are optional.
type Callbacks struct {
	ConfigSocket func(rcc *Client) bool
	Disconnect   func(rcc *Client)

	HandleMessage func(rcc *Client, hdr *wire.DataHeader, msg []byte) bool
	Parser        Parser
	HandleParsed  func(rcc *Client, size int, typ uint16, parsed any) bool

	AllocRecvBuf   func(rcc *Client, hdr *wire.DataHeader) []byte
	ReleaseRecvBuf func(rcc *Client, hdr *wire.DataHeader, msg []byte)

	HoldItem    func(rcc *Client, item *PipeItem)
	SendItem    func(rcc *Client, item *PipeItem)
	ReleaseItem func(rcc *Client, item *PipeItem, pushed bool)

	OnIncomingError func(rcc *Client)
	OnOutgoingError func(rcc *Client)

	HandleMigrateFlushMark     func(rcc *Client)
	HandleMigrateData          func(rcc *Client, data []byte)
	HandleMigrateDataGetSerial func(rcc *Client, data []byte) uint64
}

// Channel is the server-side endpoint of one spice channel. It owns the
// outgoing pipe and at most one connected client.
type Channel struct {
	core       *event.Loop
	migrate    bool
	handleAcks bool

	pipe     PipeItem // ring sentinel
	pipeSize int
	rcc      *Client

	cbs         Callbacks
	incomingCbs incomingCbs
	outgoingCbs outgoingCbs

	outBytes int64
}

// New builds a channel over the given event loop. The callback vector is
// validated up front: a vector with neither a raw message handler nor a
// parser pair is rejected rather than defaulted to a placeholder.
func New(core *event.Loop, migrate, handleAcks bool, cbs Callbacks) (*Channel, error) {
	if core == nil {
		return nil, errors.New("channel: nil event loop")
	}
	if cbs.ConfigSocket == nil || cbs.Disconnect == nil ||
		cbs.AllocRecvBuf == nil || cbs.ReleaseRecvBuf == nil ||
		cbs.HoldItem == nil || cbs.SendItem == nil || cbs.ReleaseItem == nil {
		return nil, errors.New("channel: incomplete callback vector")
	}
	if cbs.HandleMessage == nil && (cbs.Parser == nil || cbs.HandleParsed == nil) {
		return nil, errors.New("channel: neither HandleMessage nor Parser/HandleParsed configured")
	}
	if (cbs.HandleMigrateData == nil) != (cbs.HandleMigrateDataGetSerial == nil) {
		return nil, errors.New("channel: migration data hooks must be set together")
	}

	c := &Channel{
		core:       core,
		migrate:    migrate,
		handleAcks: handleAcks,
		cbs:        cbs,
	}
	c.pipeInit()

	c.incomingCbs = incomingCbs{
		allocMsgBuf:   cbs.AllocRecvBuf,
		releaseMsgBuf: cbs.ReleaseRecvBuf,
		handleMessage: cbs.HandleMessage,
		parser:        cbs.Parser,
		handleParsed:  cbs.HandleParsed,
		onError:       c.defaultOnError,
	}
	c.outgoingCbs = outgoingCbs{
		getMsgSize: func(rcc *Client) int { return rcc.send.size },
		prepare: func(rcc *Client, vec [][]byte, pos int) int {
			return rcc.send.m.FillIovec(vec, pos)
		},
		onBlock:   c.onOutBlock,
		onError:   c.defaultOnError,
		onMsgDone: c.onOutMsgDone,
		onOutput:  func(_ *Client, n int) { c.outBytes += int64(n) },
	}
	if cbs.Parser != nil {
		if cbs.OnIncomingError != nil {
			c.incomingCbs.onError = cbs.OnIncomingError
		}
		if cbs.OnOutgoingError != nil {
			c.outgoingCbs.onError = cbs.OnOutgoingError
		}
	}
	return c, nil
}

// the default error transition is a full disconnect via the channel type
func (c *Channel) defaultOnError(rcc *Client) {
	c.cbs.Disconnect(rcc)
}

func (c *Channel) onOutBlock(rcc *Client) {
	rcc.send.blocked = true
	c.core.WatchUpdateMask(rcc.watch, event.Read|event.Write)
}

func (c *Channel) onOutMsgDone(rcc *Client) {
	rcc.send.size = 0
	rcc.releaseSentItem()
	if rcc.send.blocked {
		rcc.send.blocked = false
		c.core.WatchUpdateMask(rcc.watch, event.Read)
	}
}

// releaseItem routes release through the core for item types it owns, and
// to the channel type for everything else.
func (c *Channel) releaseItem(rcc *Client, item *PipeItem, pushed bool) {
	switch item.Type {
	case PipeItemSetAck:
		// core-owned, nothing to free
	default:
		c.cbs.ReleaseItem(rcc, item, pushed)
	}
}

func (c *Channel) handleMigrateFlushMark() {
	if c.cbs.HandleMigrateFlushMark != nil {
		c.cbs.HandleMigrateFlushMark(c.rcc)
	}
}

// Receive pumps the connected client's reader.
func (c *Channel) Receive() {
	if c.rcc != nil {
		c.rcc.Receive()
	}
}

// Send pumps the connected client's writer.
func (c *Channel) Send() {
	if c.rcc != nil {
		c.rcc.Send()
	}
}

// Push drains the pipe through the connected client.
func (c *Channel) Push() {
	if c == nil || c.rcc == nil {
		return
	}
	c.rcc.Push()
}

// PushSetAck queues a SET_ACK announcement.
func (c *Channel) PushSetAck() {
	c.PipeAddType(PipeItemSetAck)
}

// InitOutgoingMessagesWindow opens the send window of the connected client.
func (c *Channel) InitOutgoingMessagesWindow() {
	if c.rcc != nil {
		c.rcc.InitOutgoingMessagesWindow()
	}
}

// AckZeroMessagesWindow resets the connected client's unacknowledged count.
func (c *Channel) AckZeroMessagesWindow() {
	if c.rcc != nil {
		c.rcc.AckZeroMessagesWindow()
	}
}

// AckSetClientWindow overrides the connected client's credit window.
func (c *Channel) AckSetClientWindow(window uint32) {
	if c.rcc != nil {
		c.rcc.AckSetClientWindow(window)
	}
}

// Shutdown tears the connected client down cooperatively and clears the
// pipe.
func (c *Channel) Shutdown() {
	if c.rcc != nil {
		c.rcc.Shutdown()
	}
	c.PipeClear()
}

// Disconnect clears the pipe and disconnects the client.
func (c *Channel) Disconnect() {
	c.PipeClear()
	if c.rcc != nil {
		c.rcc.Disconnect()
	}
}

// SetShut raises the sticky reader flag so the next dispatch boundary
// terminates the connection.
func (c *Channel) SetShut() {
	if c.rcc != nil {
		c.rcc.incoming.shut = true
	}
}

// Destroy disconnects and drops the client.
func (c *Channel) Destroy() {
	if c == nil {
		return
	}
	if c.rcc != nil {
		c.rcc.Destroy()
	}
}

// IsConnected reports whether a client is attached.
func (c *Channel) IsConnected() bool { return c.rcc != nil }

// Migrate reports whether the channel was created in migration mode.
func (c *Channel) Migrate() bool { return c.migrate }

// HandlesAcks reports whether the ack window throttles this channel.
func (c *Channel) HandlesAcks() bool { return c.handleAcks }

// OutBytes returns the number of bytes written to clients so far.
func (c *Channel) OutBytes() int64 { return c.outBytes }

// AllBlocked reports whether every client's writer is suspended. With no
// client attached the channel counts as blocked.
func (c *Channel) AllBlocked() bool {
	return c == nil || c.rcc == nil || c.rcc.send.blocked
}

// AnyBlocked reports whether any client's writer is suspended. With no
// client attached the channel counts as blocked.
func (c *Channel) AnyBlocked() bool {
	return c == nil || c.rcc == nil || c.rcc.send.blocked
}

// NoItemBeingSent reports whether every client's writer is quiescent.
func (c *Channel) NoItemBeingSent() bool {
	return c.rcc == nil || c.rcc.NoItemBeingSent()
}

// ItemBeingSent reports whether item is in flight on any client.
func (c *Channel) ItemBeingSent(item *PipeItem) bool {
	return c.rcc != nil && c.rcc.ItemBeingSent(item)
}

// AllClientSerialsZero reports whether no client has sent yet, the
// precondition for a migration handoff.
func (c *Channel) AllClientSerialsZero() bool {
	return c.rcc == nil || c.rcc.send.serial == 0
}

// Client returns the attached client, or nil.
func (c *Channel) Client() *Client { return c.rcc }

// ApplyClients visits every attached client. All single-client accesses in
// channel types should go through here so the invariant stays in one place.
func (c *Channel) ApplyClients(v func(rcc *Client)) {
	if c.rcc != nil {
		v(c.rcc)
	}
}
