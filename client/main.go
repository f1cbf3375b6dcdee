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

package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xtaci/smux"

	"github.com/tobewalker/spice/stream"
	"github.com/tobewalker/spice/wire"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

// Config for client
type Config struct {
	Remote      string `json:"remote"`
	Transport   string `json:"transport"`
	Key         string `json:"key"`
	Crypt       string `json:"crypt"`
	Mode        string `json:"mode"`
	MTU         int    `json:"mtu"`
	SndWnd      int    `json:"sndwnd"`
	RcvWnd      int    `json:"rcvwnd"`
	DataShard   int    `json:"datashard"`
	ParityShard int    `json:"parityshard"`
	NoDelay     int    `json:"nodelay"`
	Interval    int    `json:"interval"`
	Resend      int    `json:"resend"`
	NoCongest   int    `json:"nc"`
	NoComp      bool   `json:"nocomp"`
	Mux         bool   `json:"mux"`
	Channels    int    `json:"channels"`
	SmuxVer     int    `json:"smuxver"`
	Count       int    `json:"count"`
	Size        int    `json:"size"`
	Quiet       bool   `json:"quiet"`
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "spice-channel-client"
	myApp.Usage = "echo-channel load client"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remote,r",
			Value: "127.0.0.1:5900",
			Usage: "server address",
		},
		cli.StringFlag{
			Name:  "transport",
			Value: "tcp",
			Usage: "transport: tcp, kcp",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secrect",
			Usage:  "pre-shared secret between client and server (kcp transport)",
			EnvVar: "SPICE_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "kcp cipher, must match the server",
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "fast",
			Usage: "kcp profiles: fast3, fast2, fast, normal, manual",
		},
		cli.IntFlag{
			Name:  "mtu",
			Value: 1350,
			Usage: "set maximum transmission unit for UDP packets",
		},
		cli.IntFlag{
			Name:  "sndwnd",
			Value: 128,
			Usage: "set kcp send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 512,
			Usage: "set kcp receive window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "set reed-solomon erasure coding - datashard",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "set reed-solomon erasure coding - parityshard",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression, must match the server",
		},
		cli.BoolFlag{
			Name:  "mux",
			Usage: "open channels as smux streams over one connection",
		},
		cli.IntFlag{
			Name:  "channels",
			Value: 1,
			Usage: "number of channels to drive in parallel (mux mode)",
		},
		cli.IntFlag{
			Name:  "smuxver",
			Value: 2,
			Usage: "specify smux version, available 1,2",
		},
		cli.IntFlag{
			Name:  "count",
			Value: 1000,
			Usage: "echo round trips per channel",
		},
		cli.IntFlag{
			Name:  "size",
			Value: 1024,
			Usage: "echo payload size in bytes",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the per-channel progress messages",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Remote = c.String("remote")
		config.Transport = c.String("transport")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.MTU = c.Int("mtu")
		config.SndWnd = c.Int("sndwnd")
		config.RcvWnd = c.Int("rcvwnd")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.NoComp = c.Bool("nocomp")
		config.Mux = c.Bool("mux")
		config.Channels = c.Int("channels")
		config.SmuxVer = c.Int("smuxver")
		config.Count = c.Int("count")
		config.Size = c.Int("size")
		config.Quiet = c.Bool("quiet")

		switch config.Mode {
		case "normal":
			config.NoDelay, config.Interval, config.Resend, config.NoCongest = 0, 40, 2, 1
		case "fast":
			config.NoDelay, config.Interval, config.Resend, config.NoCongest = 0, 30, 2, 1
		case "fast2":
			config.NoDelay, config.Interval, config.Resend, config.NoCongest = 1, 20, 2, 1
		case "fast3":
			config.NoDelay, config.Interval, config.Resend, config.NoCongest = 1, 10, 2, 1
		}

		log.Println("version:", VERSION)
		log.Println("remote:", config.Remote)
		log.Println("transport:", config.Transport)
		log.Println("compression:", !config.NoComp)
		log.Println("mux:", config.Mux)
		log.Println("count:", config.Count, "size:", config.Size)

		if !config.Mux && config.Channels > 1 {
			color.Red("Warning: %d channels need -mux, running one", config.Channels)
			config.Channels = 1
		}

		conn, err := dial(&config)
		checkError(err)
		if !config.NoComp {
			conn = stream.NewCompConn(conn)
		}

		if !config.Mux {
			checkError(runChannel(conn, &config, 0))
			return nil
		}

		smuxConfig, err := stream.SmuxConfig(stream.SmuxParams{Version: config.SmuxVer})
		checkError(err)
		mux, err := smux.Client(conn, smuxConfig)
		checkError(err)
		defer mux.Close()

		var wg sync.WaitGroup
		for i := 0; i < config.Channels; i++ {
			st, err := mux.OpenStream()
			checkError(err)
			wg.Add(1)
			go func(st net.Conn, id int) {
				defer wg.Done()
				if err := runChannel(st, &config, id); err != nil {
					log.Printf("channel %d: %+v", id, err)
				}
			}(st, i)
		}
		wg.Wait()
		return nil
	}
	myApp.Run(os.Args)
}

// echoPeer tracks the ack-window protocol from the client end of one
// channel.
type echoPeer struct {
	conn net.Conn

	wmu    sync.Mutex
	serial uint64

	generation uint32
	window     uint32
	sinceAck   uint32
}

func (p *echoPeer) writeMsg(typ uint16, body []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.serial++
	buf := make([]byte, wire.HeaderSize+len(body))
	wire.EncodeHeader(buf, wire.DataHeader{
		Serial: p.serial,
		Type:   typ,
		Size:   uint32(len(body)),
	})
	copy(buf[wire.HeaderSize:], body)
	_, err := p.conn.Write(buf)
	return errors.WithStack(err)
}

func (p *echoPeer) readMsg() (wire.DataHeader, []byte, error) {
	var hdrBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(p.conn, hdrBuf[:]); err != nil {
		return wire.DataHeader{}, nil, errors.WithStack(err)
	}
	hdr := wire.DecodeHeader(hdrBuf[:])
	body := make([]byte, hdr.Size)
	if _, err := io.ReadFull(p.conn, body); err != nil {
		return wire.DataHeader{}, nil, errors.WithStack(err)
	}
	return hdr, body, nil
}

// acknowledge implements the receive half of the credit protocol: adopt new
// generations from SET_ACK, and return one ACK per full window received.
func (p *echoPeer) acknowledge(hdr wire.DataHeader, body []byte) error {
	if hdr.Type == wire.MsgSetAck {
		sa, err := wire.DecodeSetAck(body)
		if err != nil {
			return err
		}
		p.generation = sa.Generation
		p.window = sa.Window
		p.sinceAck = 0
		var genBuf [4]byte
		binary.LittleEndian.PutUint32(genBuf[:], sa.Generation)
		return p.writeMsg(wire.MsgcAckSync, genBuf[:])
	}
	if p.window == 0 {
		return nil
	}
	p.sinceAck++
	if p.sinceAck >= p.window {
		p.sinceAck = 0
		return p.writeMsg(wire.MsgcAck, nil)
	}
	return nil
}

func runChannel(conn net.Conn, config *Config, id int) error {
	defer conn.Close()
	p := &echoPeer{conn: conn}

	payload := make([]byte, config.Size)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		var lastSerial uint64
		echoes := 0
		for echoes < config.Count {
			hdr, body, err := p.readMsg()
			if err != nil {
				done <- err
				return
			}
			if hdr.Serial <= lastSerial {
				done <- errors.Errorf("serial went backwards: %d after %d", hdr.Serial, lastSerial)
				return
			}
			lastSerial = hdr.Serial
			if err := p.acknowledge(hdr, body); err != nil {
				done <- err
				return
			}
			if hdr.Type == wire.MsgFirstAvail {
				if !bytes.Equal(body, payload) {
					done <- errors.New("echo payload mismatch")
					return
				}
				echoes++
			}
		}
		done <- nil
	}()

	start := time.Now()
	for i := 0; i < config.Count; i++ {
		if err := p.writeMsg(wire.MsgcFirstAvail, payload); err != nil {
			return err
		}
	}
	if err := <-done; err != nil {
		return err
	}
	elapsed := time.Since(start)
	if !config.Quiet {
		total := int64(config.Count) * int64(config.Size)
		log.Printf("channel %d: %d echoes, %d bytes in %v (%.1f MB/s)",
			id, config.Count, total, elapsed,
			float64(total)/(1024*1024)/elapsed.Seconds())
	}
	return p.writeMsg(wire.MsgcDisconnecting, nil)
}
