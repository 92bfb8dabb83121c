// Copyright 2026 The gVisor Authors.
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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/pkg/metric"
	"gvisor.dev/vcuda/pkg/transport"
	"gvisor.dev/vcuda/pkg/vcuda"
	"gvisor.dev/vcuda/vcudad/cmd/util"
	"gvisor.dev/vcuda/vcudad/config"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "serve one guest session"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve - serve framed requests from --transport-fd, or stdin, until the guest disconnects
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var (
		in      io.Reader = os.Stdin
		out     io.Writer = os.Stdout
		closeIn           = func() { os.Stdin.Close() }
	)
	if conf.TransportFD >= 0 {
		file := os.NewFile(uintptr(conf.TransportFD), "transport")
		in, out, closeIn = file, file, func() { file.Close() }
	}
	if err := serve(ctx, conf, in, out, closeIn); err != nil {
		util.Fatalf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

// serve runs one session reading requests from in and writing responses to
// out. It returns once in reaches EOF, ctx is done or a signal arrives;
// closeIn must unblock a pending read of in.
func serve(ctx context.Context, conf *config.Config, in io.Reader, out io.Writer, closeIn func()) error {
	drv, err := newDriver(conf)
	if err != nil {
		return fmt.Errorf("opening driver: %w", err)
	}
	defer drv.Close()

	mem, unmap, err := mapMemory(conf.Memory)
	if err != nil {
		return err
	}
	defer unmap()

	opts := conf.SessionOptions()
	opts.Driver = drv
	opts.Memory = mem
	s, err := vcuda.NewSession(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warningf("Closing session: %v", err)
		}
	}()

	d := &vcuda.Dispatcher{Session: s, Queue: transport.NewStreamQueue(in, out)}
	var stopping atomic.Bool
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		log.Infof("Serving session, %d memory regions", len(conf.Memory))
		err := d.Run(gctx)
		if err != nil && stopping.Load() {
			// The transport was closed under the dispatcher.
			return nil
		}
		return err
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case <-done:
			return nil
		case sig := <-sigs:
			log.Infof("Received %v, stopping", sig)
		case <-gctx.Done():
		}
		// A second signal gets the default action.
		signal.Stop(sigs)
		stopping.Store(true)
		closeIn()
		return nil
	})
	err = g.Wait()
	log.Infof("Session ended: %v", err)

	if conf.MetricsFile != "" {
		if merr := metric.WritePrometheusFile(conf.MetricsFile); merr != nil {
			log.Warningf("Writing metrics to %q: %v", conf.MetricsFile, merr)
			if err == nil {
				err = merr
			}
		}
	}
	return err
}
