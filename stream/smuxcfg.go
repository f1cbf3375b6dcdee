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

package stream

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"
)

// SmuxParams configures the mux mode, where several channels share one
// transport connection as smux streams.
type SmuxParams struct {
	Version          int
	MaxReceiveBuffer int
	MaxStreamBuffer  int
	MaxFrameSize     int
	KeepAliveSeconds int
}

// SmuxConfig builds and verifies a smux session config from params.
func SmuxConfig(p SmuxParams) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	if p.Version != 0 {
		cfg.Version = p.Version
	}
	if p.MaxReceiveBuffer != 0 {
		cfg.MaxReceiveBuffer = p.MaxReceiveBuffer
	}
	if p.MaxStreamBuffer != 0 {
		cfg.MaxStreamBuffer = p.MaxStreamBuffer
	}
	if p.MaxFrameSize != 0 {
		cfg.MaxFrameSize = p.MaxFrameSize
	}
	if p.KeepAliveSeconds != 0 {
		cfg.KeepAliveInterval = time.Duration(p.KeepAliveSeconds) * time.Second
	}
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "smux.VerifyConfig")
	}
	return cfg, nil
}
