// Copyright 2014 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command qrtp sends a file as a stream of fountain-coded frames and
// reassembles it on the other side, over UDP or through a directory of
// frame files.
//
//	qrtp -c qrtp.toml send -in report.pdf -udp 127.0.0.1:7000 -count 5000
//	qrtp -c qrtp.toml recv -udp :7000 -out report.pdf
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qrtp/fountain/transfer"
	"github.com/qrtp/fountain/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-c config.toml] send|recv [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("c", "", "Config file path")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg := transfer.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = transfer.LoadConfig(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := transfer.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "send":
		err = runSend(ctx, args[1:], cfg, logger, metrics)
	case "recv":
		err = runRecv(ctx, args[1:], cfg, logger, metrics)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("qrtp failed", zap.String("command", args[0]), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	config := zap.NewProductionConfig()
	config.Level = lvl
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func runSend(ctx context.Context, args []string, cfg transfer.Config, logger *zap.Logger, metrics *transfer.Metrics) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	in := fs.String("in", "", "File to send")
	udpAddr := fs.String("udp", "", "Send frames as datagrams to this address")
	dir := fs.String("dir", "", "Write frames as files into this directory")
	count := fs.Int("count", 0, "Block frames to send; 0 streams until interrupted")
	fs.Parse(args)

	if *in == "" {
		return errors.New("send: -in is required")
	}
	payload, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	sender, err := transfer.NewSender(payload, cfg, logger.Named("sender"), metrics)
	if err != nil {
		return err
	}

	var w transfer.FrameWriter
	switch {
	case *udpAddr != "":
		u, err := transport.DialUDP(ctx, *udpAddr)
		if err != nil {
			return err
		}
		defer u.Close()
		w = u
	case *dir != "":
		if *count <= 0 {
			return errors.New("send: -dir needs a positive -count")
		}
		if w, err = transport.NewDirWriter(*dir); err != nil {
			return err
		}
	default:
		return errors.New("send: one of -udp or -dir is required")
	}

	err = sender.Stream(ctx, w, *count)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	return err
}

func runRecv(ctx context.Context, args []string, cfg transfer.Config, logger *zap.Logger, metrics *transfer.Metrics) error {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	out := fs.String("out", "", "Where to write the reassembled file")
	udpAddr := fs.String("udp", "", "Listen for datagrams on this address")
	dir := fs.String("dir", "", "Read frame files from this directory")
	fs.Parse(args)

	if *out == "" {
		return errors.New("recv: -out is required")
	}

	var r transfer.FrameReader
	switch {
	case *udpAddr != "":
		u, err := transport.ListenUDP(ctx, *udpAddr, logger.Named("udp"))
		if err != nil {
			return err
		}
		defer u.Close()
		logger.Info("listening", zap.Stringer("addr", u.Addr()))
		r = u
	case *dir != "":
		d, err := transport.OpenDir(*dir)
		if err != nil {
			return err
		}
		r = d
	default:
		return errors.New("recv: one of -udp or -dir is required")
	}

	receiver, err := transfer.NewReceiver(cfg, logger.Named("receiver"), metrics)
	if err != nil {
		return err
	}
	payload, err := receiver.Receive(ctx, r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		return err
	}
	logger.Info("file written", zap.String("path", *out), zap.Int("bytes", len(payload)))
	return nil
}
