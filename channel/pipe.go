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

package channel

// Pipe item types below PipeItemChannelBase are reserved for the core;
// channel types number their own items from PipeItemChannelBase up.
const (
	PipeItemSetAck = 1

	PipeItemChannelBase = 101
)

// PipeItem is the intrusive node queued on a channel's outgoing pipe. The
// payload lives in the struct that embeds it; the core only ever looks at
// Type and the links.
type PipeItem struct {
	prev, next *PipeItem
	Type       int
}

// Init prepares the item for queuing with the given type.
func (i *PipeItem) Init(typ int) {
	i.Type = typ
	i.prev = nil
	i.next = nil
}

func (i *PipeItem) linked() bool { return i.prev != nil }

func (i *PipeItem) unlink() {
	i.prev.next = i.next
	i.next.prev = i.prev
	i.prev = nil
	i.next = nil
}

// insert i after pos
func (i *PipeItem) insertAfter(pos *PipeItem) {
	i.prev = pos
	i.next = pos.next
	pos.next.prev = i
	pos.next = i
}

// The pipe is a ring with a sentinel held by the Channel. Items are added at
// the head and popped from the tail, so the tail end is next to go out.

func (c *Channel) pipeInit() {
	c.pipe.prev = &c.pipe
	c.pipe.next = &c.pipe
}

func (c *Channel) pipeTail() *PipeItem {
	if c.pipe.prev == &c.pipe {
		return nil
	}
	return c.pipe.prev
}

// PipeAdd queues item at the head of the pipe.
func (c *Channel) PipeAdd(item *PipeItem) {
	c.pipeSize++
	item.insertAfter(&c.pipe)
}

// PipeAddPush queues item and kicks the send pipeline.
func (c *Channel) PipeAddPush(item *PipeItem) {
	c.PipeAdd(item)
	c.Push()
}

// PipeAddAfter inserts item after pos, which must be linked.
func (c *Channel) PipeAddAfter(item, pos *PipeItem) {
	if pos == nil || !pos.linked() {
		panic("channel: pipe_add_after with unlinked position")
	}
	c.pipeSize++
	item.insertAfter(pos)
}

// PipeAddTail queues item at the tail, making it the next item to be sent,
// and kicks the send pipeline.
func (c *Channel) PipeAddTail(item *PipeItem) {
	c.pipeSize++
	item.insertAfter(c.pipe.prev)
	c.Push()
}

// PipeAddType allocates a bare item of the given type and queues it.
func (c *Channel) PipeAddType(typ int) {
	item := &PipeItem{}
	item.Init(typ)
	c.PipeAdd(item)
	c.Push()
}

// PipeItemIsLinked reports whether item is currently queued.
func (c *Channel) PipeItemIsLinked(item *PipeItem) bool { return item.linked() }

// PipeItemRemove unlinks item without releasing it.
func (c *Channel) PipeItemRemove(item *PipeItem) {
	c.pipeSize--
	item.unlink()
}

// PipeSize returns the number of queued items.
func (c *Channel) PipeSize() int { return c.pipeSize }

// PipeClear releases every queued item with pushed=false. Any in-flight item
// on the current client is released the same way first.
func (c *Channel) PipeClear() {
	if c.rcc != nil {
		c.rcc.clearSentItem()
	}
	for c.pipe.next != &c.pipe {
		item := c.pipe.next
		item.unlink()
		c.releaseItem(c.rcc, item, false)
	}
	c.pipeSize = 0
}
