package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emergingrobotics/go-sdma/pkg/coproc"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"golang.org/x/sync/errgroup"
)

const longDemoHelp = `
The demo command opens pairs of channels joined by a loopback
peripheral. Every pair writes a buffer on its odd channel, reads it back
on the even one and compares. Pairs run concurrently.
`

type cmdDemo struct {
	Pairs   int  `long:"pairs" default:"4" description:"Number of loopback channel pairs (1-15)"`
	Bytes   int  `long:"bytes" default:"4096" description:"Bytes moved per pair and round"`
	Rounds  int  `long:"rounds" default:"4" description:"Rounds per pair"`
	Buffers int  `long:"buffers" default:"8" description:"Descriptors per channel ring"`
	Metrics bool `long:"metrics" description:"Print collected metrics"`
}

type pairResult struct {
	tx, rx int
	moved  int
}

func (x *cmdDemo) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many arguments for command")
	}
	if x.Pairs < 1 || x.Pairs > (sdma.MaxChannels-1)/2 {
		return fmt.Errorf("pairs must be between 1 and %d", (sdma.MaxChannels-1)/2)
	}
	if x.Bytes <= 0 || x.Rounds <= 0 {
		return fmt.Errorf("bytes and rounds must be positive")
	}

	ctx := context.Background()
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	results := make([]pairResult, x.Pairs)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		tx, rx := 2*i+1, 2*i+2
		loop := &coproc.Loopback{}
		e.cp.Attach(tx, loop)
		e.cp.Attach(rx, loop)

		g.Go(func() error {
			moved, err := x.runPair(gctx, e, tx, rx)
			results[i] = pairResult{tx: tx, rx: rx, moved: moved}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		fmt.Fprintf(Stdout, "channels %2d -> %2d: %d bytes\n", r.tx, r.rx, r.moved)
	}
	if x.Metrics {
		fmt.Fprintln(Stdout, "metrics:")
		return e.printMetrics(Stdout)
	}
	return nil
}

func (x *cmdDemo) openPair(ctx context.Context, e *engine, tx, rx int) (*sdma.ChannelDescriptor, *sdma.ChannelDescriptor, error) {
	var cds [2]*sdma.ChannelDescriptor
	for i, ch := range []int{tx, rx} {
		cd, err := e.reg.Open(ctx, ch)
		if err != nil {
			return nil, nil, err
		}
		if err := e.reg.Reconfigure(ctx, cd, sdma.SetBufferCount(x.Buffers)); err != nil {
			return nil, nil, err
		}
		// the loopback needs every read to be polled
		if err := e.reg.Reconfigure(ctx, cd, sdma.SetSyncMode(sdma.SyncPoll)); err != nil {
			return nil, nil, err
		}
		cds[i] = cd
	}
	return cds[0], cds[1], nil
}

func (x *cmdDemo) runPair(ctx context.Context, e *engine, tx, rx int) (int, error) {
	txd, rxd, err := x.openPair(ctx, e, tx, rx)
	if err != nil {
		return 0, err
	}
	defer e.reg.Close(ctx, rxd)
	defer e.reg.Close(ctx, txd)

	capacity := x.Buffers * txd.Config().BufferSize
	moved := 0
	for round := 0; round < x.Rounds; round++ {
		payload := demoPayload(x.Bytes, tx+round)
		for off := 0; off < len(payload); {
			chunk := payload[off:min(off+capacity, len(payload))]
			n, err := e.reg.Write(ctx, txd, chunk)
			if err != nil {
				return moved, fmt.Errorf("channel %d: %w", tx, err)
			}

			back := make([]byte, n)
			got, err := e.reg.Read(ctx, rxd, back)
			if err != nil {
				return moved, fmt.Errorf("channel %d: %w", rx, err)
			}
			if !bytes.Equal(back[:got], chunk[:n]) {
				return moved, fmt.Errorf("channels %d -> %d: data mismatch at offset %d", tx, rx, off)
			}
			off += n
			moved += got
		}
	}
	return moved, nil
}

func demoPayload(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + seed)
	}
	return b
}
