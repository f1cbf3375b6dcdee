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
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/tobewalker/spice/event"
	"github.com/tobewalker/spice/stream"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "spice-channeld"
	myApp.Usage = "spice channel server (echo channel)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":5900",
			Usage: "server listen address",
		},
		cli.StringFlag{
			Name:  "transport",
			Value: "tcp",
			Usage: "transport to accept channels on: tcp, kcp",
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
			Usage: "kcp cipher: aes, aes-128, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null",
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
			Value: 1024,
			Usage: "set kcp send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 1024,
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
		cli.IntFlag{
			Name:  "dscp",
			Value: 0,
			Usage: "set DSCP(6bit)",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression",
		},
		cli.IntFlag{
			Name:   "nodelay",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "interval",
			Value:  50,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "resend",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nc",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304, // per-direction stream buffer in bytes
			Usage: "per-stream buffer in bytes",
		},
		cli.BoolFlag{
			Name:  "mux",
			Usage: "carry channels as smux streams over one connection",
		},
		cli.IntFlag{
			Name:  "smuxver",
			Value: 2,
			Usage: "specify smux version, available 1,2",
		},
		cli.IntFlag{
			Name:  "smuxbuf",
			Value: 4194304,
			Usage: "the overall de-mux buffer in bytes",
		},
		cli.IntFlag{
			Name:  "streambuf",
			Value: 2097152,
			Usage: "per stream receive buffer in bytes, smux v2+",
		},
		cli.IntFlag{
			Name:  "framesize",
			Value: 8192,
			Usage: "smux max frame size",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10, // nat keepalive interval in seconds
			Usage: "seconds between smux heartbeats",
		},
		cli.IntFlag{
			Name:  "ackwindow",
			Value: 0,
			Usage: "override the per-client ack credit window, 0 keeps the default",
		},
		cli.BoolFlag{
			Name:  "noacks",
			Usage: "disable ack-window flow control",
		},
		cli.BoolFlag{
			Name:  "tcpraw",
			Usage: "emulate a TCP connection under the kcp transport(linux)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the 'channel open/close' messages",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.Transport = c.String("transport")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.MTU = c.Int("mtu")
		config.SndWnd = c.Int("sndwnd")
		config.RcvWnd = c.Int("rcvwnd")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.DSCP = c.Int("dscp")
		config.NoComp = c.Bool("nocomp")
		config.NoDelay = c.Int("nodelay")
		config.Interval = c.Int("interval")
		config.Resend = c.Int("resend")
		config.NoCongest = c.Int("nc")
		config.SockBuf = c.Int("sockbuf")
		config.Mux = c.Bool("mux")
		config.SmuxVer = c.Int("smuxver")
		config.SmuxBuf = c.Int("smuxbuf")
		config.StreamBuf = c.Int("streambuf")
		config.FrameSize = c.Int("framesize")
		config.KeepAlive = c.Int("keepalive")
		config.AckWindow = c.Int("ackwindow")
		config.NoAcks = c.Bool("noacks")
		config.TCPRaw = c.Bool("tcpraw")
		config.Log = c.String("log")
		config.Pprof = c.Bool("pprof")
		config.Quiet = c.Bool("quiet")

		if c.String("c") != "" {
			// Only JSON configuration files are supported at the moment.
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

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
		log.Println("listening on:", config.Listen)
		log.Println("transport:", config.Transport)
		log.Println("compression:", !config.NoComp)
		log.Println("mux:", config.Mux)
		log.Println("flow control:", !config.NoAcks)
		log.Println("ackwindow override:", config.AckWindow)
		log.Println("sockbuf:", config.SockBuf)
		if config.Transport == "kcp" {
			log.Println("encryption:", config.Crypt)
			log.Println("nodelay parameters:", config.NoDelay, config.Interval, config.Resend, config.NoCongest)
			log.Println("sndwnd:", config.SndWnd, "rcvwnd:", config.RcvWnd)
			log.Println("mtu:", config.MTU)
			log.Println("datashard:", config.DataShard, "parityshard:", config.ParityShard)
			log.Println("dscp:", config.DSCP)
			log.Println("tcpraw:", config.TCPRaw)
		}

		if config.Transport != "tcp" && config.Transport != "kcp" {
			log.Fatal("unknown transport:", config.Transport)
		}
		if config.NoAcks && config.AckWindow > 0 {
			color.Red("Warning: ackwindow %d has no effect with flow control disabled", config.AckWindow)
		}

		// Start the pprof server if the feature is enabled.
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		// All channel callbacks run on this loop.
		core := event.NewLoop()

		switch config.Transport {
		case "tcp":
			lis, err := net.Listen("tcp", config.Listen)
			checkError(err)
			log.Printf("Listening on: %v/tcp", config.Listen)
			go acceptTCP(core, lis, &config)
		case "kcp":
			block, err := stream.BlockCrypt(config.Crypt, config.Key)
			checkError(err)
			lis, err := listenKCP(&config, block)
			checkError(err)
			log.Printf("Listening on: %v/udp", config.Listen)
			go acceptKCP(core, lis, &config)
		}

		core.Run()
		return nil
	}
	myApp.Run(os.Args)
}

func acceptTCP(core *event.Loop, lis net.Listener, config *Config) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Printf("%+v", err)
			return
		}
		if !config.Quiet {
			log.Println("remote address:", conn.RemoteAddr())
		}
		go handleConn(core, conn, config)
	}
}

func acceptKCP(core *event.Loop, lis *kcp.Listener, config *Config) {
	if err := lis.SetDSCP(config.DSCP); err != nil {
		log.Println("SetDSCP:", err)
	}
	if err := lis.SetReadBuffer(config.SockBuf); err != nil {
		log.Println("SetReadBuffer:", err)
	}
	if err := lis.SetWriteBuffer(config.SockBuf); err != nil {
		log.Println("SetWriteBuffer:", err)
	}
	for {
		conn, err := lis.AcceptKCP()
		if err != nil {
			log.Printf("%+v", err)
			return
		}
		if !config.Quiet {
			log.Println("remote address:", conn.RemoteAddr())
		}
		conn.SetStreamMode(true)
		conn.SetWriteDelay(false)
		conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongest)
		conn.SetMtu(config.MTU)
		conn.SetWindowSize(config.SndWnd, config.RcvWnd)
		go handleConn(core, conn, config)
	}
}

// handleConn turns one accepted connection into channel clients: directly,
// or one per smux stream in mux mode.
func handleConn(core *event.Loop, conn net.Conn, config *Config) {
	if !config.NoComp {
		conn = stream.NewCompConn(conn)
	}

	if !config.Mux {
		attachConn(core, conn, config)
		return
	}

	smuxConfig, err := stream.SmuxConfig(stream.SmuxParams{
		Version:          config.SmuxVer,
		MaxReceiveBuffer: config.SmuxBuf,
		MaxStreamBuffer:  config.StreamBuf,
		MaxFrameSize:     config.FrameSize,
		KeepAliveSeconds: config.KeepAlive,
	})
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}
	mux, err := smux.Server(conn, smuxConfig)
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}
	defer mux.Close()

	// Each smux stream carries one channel.
	for {
		st, err := mux.AcceptStream()
		if err != nil {
			log.Println(err)
			return
		}
		attachConn(core, st, config)
	}
}

func attachConn(core *event.Loop, conn net.Conn, config *Config) {
	st := stream.New(conn, config.SockBuf)
	core.Post(func() {
		echo, err := newEchoChannel(core, config)
		if err != nil {
			log.Println(err)
			st.Close()
			return
		}
		if err := echo.Attach(st, config.AckWindow); err != nil {
			log.Println(err)
			st.Close()
		}
	})
}
