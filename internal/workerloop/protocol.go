package workerloop

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/API92/pruv/internal/pools"
)

type command struct {
	proto      string
	inName     string
	inPos      int
	inLen      int
	outName    string
	outFileSize int
}

// parseCommandLine parses "<PROTO> IN SHM <name_in> <pos>, <size> OUT SHM
// <name_out> <file_size>\n" (spec §4.5).
func parseCommandLine(line string) (command, error) {
	var c command
	n, err := fmt.Sscanf(strings.TrimRight(line, "\n"),
		"%s IN SHM %s %d, %d OUT SHM %s %d",
		&c.proto, &c.inName, &c.inPos, &c.inLen, &c.outName, &c.outFileSize)
	if err != nil || n != 6 {
		return command{}, fmt.Errorf("workerloop: bad command line %q: %w", line, err)
	}
	return c, nil
}

// handleOne resolves one command's buffers, invokes Handler, and emits the
// response line (spec §4.8 steps 2-5).
func (l *Loop) handleOne(line string) error {
	cmd, err := parseCommandLine(line)
	if err != nil {
		return err
	}

	inBuf, err := l.inCache.Get(cmd.inName)
	if err != nil {
		return fmt.Errorf("workerloop: open in-buffer: %w", err)
	}
	// Map the page-aligned window holding [inPos, inPos+inLen) directly: the
	// in-buffer is sized by the dispatcher, so the worker never resizes it.
	base := cmd.inPos &^ (unix.Getpagesize() - 1)
	if err := inBuf.Map(base, cmd.inPos-base+cmd.inLen); err != nil {
		return fmt.Errorf("workerloop: map in-buffer: %w", err)
	}
	reqBytes := inBuf.Bytes()[cmd.inPos-base:]
	if len(reqBytes) > cmd.inLen {
		reqBytes = reqBytes[:cmd.inLen]
	}

	outBuf, err := l.outCache.Get(cmd.outName)
	if err != nil {
		return fmt.Errorf("workerloop: open out-buffer: %w", err)
	}
	outBuf.UpdateFileSize(cmd.outFileSize)
	if err := outBuf.Map(0, cmd.outFileSize); err != nil {
		return fmt.Errorf("workerloop: map out-buffer: %w", err)
	}

	outBuf.SetDataSize(0)
	if herr := l.Handler(reqBytes, outBuf); herr != nil {
		l.Log.Err("handler error: %v", herr)
		outBuf.SetDataSize(0)
	}

	respLine := fmt.Sprintf("RESP %d of %d END\n", outBuf.DataSize(), outBuf.FileSize())
	if _, err := l.out.WriteString(respLine); err != nil {
		return fmt.Errorf("workerloop: write response line: %w", err)
	}
	if err := l.out.Flush(); err != nil {
		return fmt.Errorf("workerloop: flush response line: %w", err)
	}

	// Release VM for an out-buffer window that grew past the default
	// chunk, keeping the fd cached for the next request (spec §4.8 step 5).
	if outBuf.MapLen() > pools.ResponseChunk {
		_ = outBuf.Unmap()
	}
	return nil
}
