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
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/tobewalker/spice/stream"
)

func dial(config *Config) (net.Conn, error) {
	switch config.Transport {
	case "tcp":
		return net.Dial("tcp", config.Remote)
	case "kcp":
		block, err := stream.BlockCrypt(config.Crypt, config.Key)
		if err != nil {
			return nil, err
		}
		conn, err := kcp.DialWithOptions(config.Remote, block, config.DataShard, config.ParityShard)
		if err != nil {
			return nil, errors.Wrap(err, "kcp.DialWithOptions")
		}
		conn.SetStreamMode(true)
		conn.SetWriteDelay(false)
		conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongest)
		conn.SetMtu(config.MTU)
		conn.SetWindowSize(config.SndWnd, config.RcvWnd)
		return conn, nil
	default:
		return nil, errors.Errorf("unknown transport %q", config.Transport)
	}
}
