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

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/tobewalker/spice/event"
	"github.com/tobewalker/spice/wire"
)

// testItem is the channel-type item used by the tests; PipeItem must stay
// the first field so the container can be recovered from the core's view.
type testItem struct {
	PipeItem
	payload    []byte
	holds      int
	releases   int
	lastPushed bool
}

func testItemFrom(item *PipeItem) *testItem {
	return (*testItem)(unsafe.Pointer(item))
}

// fakeStream scripts the transport: in feeds the reader, out captures the
// writer, budget bounds how many bytes Writev accepts before would-block.
type fakeStream struct {
	in        []byte
	inErr     error
	readChunk int // max bytes served per Read call, 0 for no limit

	out    []byte
	budget int // -1 unlimited, 0 would-block now

	shut   bool
	closed bool
	watch  *event.Watch
}

func newFakeStream() *fakeStream { return &fakeStream{budget: -1} }

func (f *fakeStream) Read(p []byte) (int, error) {
	if len(f.in) == 0 {
		if f.inErr != nil {
			return 0, f.inErr
		}
		return 0, syscall.EAGAIN
	}
	n := len(p)
	if f.readChunk > 0 && n > f.readChunk {
		n = f.readChunk
	}
	n = copy(p[:n], f.in)
	f.in = f.in[n:]
	return n, nil
}

func (f *fakeStream) Writev(vec [][]byte) (int, error) {
	if f.budget == 0 {
		return 0, syscall.EAGAIN
	}
	n := 0
	for _, seg := range vec {
		k := len(seg)
		if f.budget > 0 && k > f.budget {
			k = f.budget
		}
		f.out = append(f.out, seg[:k]...)
		n += k
		if f.budget > 0 {
			f.budget -= k
		}
		if k < len(seg) || f.budget == 0 {
			break
		}
	}
	return n, nil
}

func (f *fakeStream) Ready() event.Events {
	var ev event.Events
	if len(f.in) > 0 || f.inErr != nil {
		ev |= event.Read
	}
	if f.budget != 0 {
		ev |= event.Write
	}
	return ev
}

func (f *fakeStream) Shutdown()                { f.shut = true }
func (f *fakeStream) IsShutdown() bool         { return f.shut }
func (f *fakeStream) Close() error             { f.closed = true; return nil }
func (f *fakeStream) SetWatch(w *event.Watch)  { f.watch = w }

type recvMsg struct {
	typ  uint16
	body []byte
}

type testEnv struct {
	t    *testing.T
	loop *event.Loop
	ch   *Channel
	st   *fakeStream
	rcc  *Client

	msgs        []recvMsg // channel-type messages delivered inbound
	disconnects int
	releasedBufs int
	handleRet   bool
	allocRefuse bool

	migrateMarks  int
	migrateData   []byte
	migrateSerial uint64
}

func newTestEnv(t *testing.T, handleAcks bool) *testEnv {
	t.Helper()
	env := &testEnv{t: t, loop: event.NewLoop(), handleRet: true}

	cbs := Callbacks{
		ConfigSocket: func(rcc *Client) bool { return true },
		Disconnect: func(rcc *Client) {
			env.disconnects++
			env.ch.Disconnect()
		},
		HandleMessage: func(rcc *Client, hdr *wire.DataHeader, msg []byte) bool {
			if hdr.Type >= wire.MsgcFirstAvail {
				env.msgs = append(env.msgs, recvMsg{hdr.Type, append([]byte(nil), msg...)})
				return env.handleRet
			}
			return rcc.HandleMessage(int(hdr.Size), hdr.Type, msg)
		},
		AllocRecvBuf: func(rcc *Client, hdr *wire.DataHeader) []byte {
			if env.allocRefuse {
				return nil
			}
			return make([]byte, hdr.Size)
		},
		ReleaseRecvBuf: func(rcc *Client, hdr *wire.DataHeader, msg []byte) {
			env.releasedBufs++
		},
		HoldItem: func(rcc *Client, item *PipeItem) {
			testItemFrom(item).holds++
		},
		SendItem: func(rcc *Client, item *PipeItem) {
			it := testItemFrom(item)
			rcc.InitSendData(wire.MsgFirstAvail, item)
			rcc.Marshaller().AddByRef(it.payload)
			rcc.BeginSendMessage()
		},
		ReleaseItem: func(rcc *Client, item *PipeItem, pushed bool) {
			it := testItemFrom(item)
			it.releases++
			it.lastPushed = pushed
		},
		HandleMigrateFlushMark: func(rcc *Client) { env.migrateMarks++ },
		HandleMigrateData: func(rcc *Client, data []byte) {
			env.migrateData = append([]byte(nil), data...)
		},
		HandleMigrateDataGetSerial: func(rcc *Client, data []byte) uint64 {
			return env.migrateSerial
		},
	}

	ch, err := New(env.loop, false, handleAcks, cbs)
	if err != nil {
		t.Fatal(err)
	}
	env.ch = ch
	env.st = newFakeStream()
	rcc, err := ch.NewClient(env.st)
	if err != nil {
		t.Fatal(err)
	}
	env.rcc = rcc
	return env
}

// enqueue queues one channel-type item carrying payload.
func (env *testEnv) enqueue(payload []byte) *testItem {
	item := &testItem{payload: payload}
	item.Init(PipeItemChannelBase)
	env.ch.PipeAddPush(&item.PipeItem)
	return item
}

// feed delivers raw bytes to the reader as one READ event.
func (env *testEnv) feed(b []byte) {
	env.st.in = append(env.st.in, b...)
	env.rcc.Receive()
}

// msg builds one wire message.
func msg(serial uint64, typ uint16, body []byte) []byte {
	buf := make([]byte, wire.HeaderSize+len(body))
	wire.EncodeHeader(buf, wire.DataHeader{Serial: serial, Type: typ, Size: uint32(len(body))})
	copy(buf[wire.HeaderSize:], body)
	return buf
}

// parseOut decodes every complete message the writer emitted.
func (env *testEnv) parseOut() []wire.DataHeader {
	var hdrs []wire.DataHeader
	rest := env.st.out
	for len(rest) >= wire.HeaderSize {
		hdr := wire.DecodeHeader(rest)
		if len(rest) < wire.HeaderSize+int(hdr.Size) {
			break
		}
		hdrs = append(hdrs, hdr)
		rest = rest[wire.HeaderSize+int(hdr.Size):]
	}
	return hdrs
}

// outBodies returns the body of every complete outgoing message.
func (env *testEnv) outBodies() [][]byte {
	var bodies [][]byte
	rest := env.st.out
	for len(rest) >= wire.HeaderSize {
		hdr := wire.DecodeHeader(rest)
		if len(rest) < wire.HeaderSize+int(hdr.Size) {
			break
		}
		bodies = append(bodies, rest[wire.HeaderSize:wire.HeaderSize+int(hdr.Size)])
		rest = rest[wire.HeaderSize+int(hdr.Size):]
	}
	return bodies
}
