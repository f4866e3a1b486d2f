// Package tunnel holds the pieces shared by the relay and the client: the
// handshake exchanged on every tunnel connection and the forwarder that
// shuttles bytes between the two members of a pair.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// BufferSize is the per-direction chunk size used by Pair.
const BufferSize = 4096

// Side identifies a member of a pair.
type Side string

const (
	SideTunnel Side = "tunnel"
	SideLocal  Side = "local"
)

// Op identifies the operation that ended a pair.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpCancel Op = "cancel"
)

// Result describes how a pair terminated. Err is nil for an orderly close
// (a read returned io.EOF) and for cancellation.
type Result struct {
	Side          Side
	Op            Op
	Err           error
	TunnelToLocal int64
	LocalToTunnel int64
	Duration      time.Duration
}

// Orderly reports whether the pair ended because a peer closed its stream.
func (r Result) Orderly() bool { return r.Op == OpRead && r.Err == nil }

// Bytes returns the total number of bytes moved in both directions.
func (r Result) Bytes() int64 { return r.TunnelToLocal + r.LocalToTunnel }

func (r Result) String() string {
	if r.Op == OpCancel {
		return "cancelled"
	}
	if r.Err == nil {
		return fmt.Sprintf("%s-%s: closed", r.Side, r.Op)
	}
	return fmt.Sprintf("%s-%s: %v", r.Side, r.Op, r.Err)
}

// Pair copies bytes tunnelSide->localSide and localSide->tunnelSide until the
// first terminal condition on either stream: a read hitting EOF, a failed
// read or a failed write. Both streams are closed before Pair returns.
// Cancelling ctx closes both streams and ends the pair.
func Pair(ctx context.Context, tunnelSide, localSide io.ReadWriteCloser) Result {
	start := time.Now()
	var (
		once     sync.Once
		wg       sync.WaitGroup
		first    Result
		toLocal  int64
		toTunnel int64
	)
	closeBoth := func() {
		_ = tunnelSide.Close()
		_ = localSide.Close()
	}
	finish := func(r Result) {
		once.Do(func() {
			first = r
			closeBoth()
		})
	}

	stop := context.AfterFunc(ctx, func() { finish(Result{Op: OpCancel}) })
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		finish(copyChunks(localSide, tunnelSide, SideLocal, SideTunnel, &toLocal))
	}()
	go func() {
		defer wg.Done()
		finish(copyChunks(tunnelSide, localSide, SideTunnel, SideLocal, &toTunnel))
	}()
	wg.Wait()

	first.TunnelToLocal = toLocal
	first.LocalToTunnel = toTunnel
	first.Duration = time.Since(start)
	return first
}

// copyChunks reads from src and writes each chunk in full to dst before the
// next read. n is only touched by this goroutine until Pair's Wait returns.
func copyChunks(dst io.Writer, src io.Reader, dstSide, srcSide Side, n *int64) Result {
	buf := make([]byte, BufferSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if werr := writeFull(dst, buf[:nr]); werr != nil {
				return Result{Side: dstSide, Op: OpWrite, Err: werr}
			}
			*n += int64(nr)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return Result{Side: srcSide, Op: OpRead}
			}
			return Result{Side: srcSide, Op: OpRead, Err: rerr}
		}
	}
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
