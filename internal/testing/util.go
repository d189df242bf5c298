// Package testing holds helpers shared by envprov's tests.
package testing

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dorcha-inc/envprov/internal/core"
)

// CapturedOutput redirects os.Stdout and os.Stderr into pipes so CLI tests
// can assert on each stream separately
type CapturedOutput struct {
	OriginalStdout *os.File
	OriginalStderr *os.File

	stdoutW *os.File
	stderrW *os.File

	wg             sync.WaitGroup
	stdout, stderr []byte
	stdoutErr      error
	stderrErr      error
}

// NewCapturedOutput starts capturing stdout and stderr. The pipes are
// drained concurrently, so large outputs cannot block the writer.
func NewCapturedOutput() (*CapturedOutput, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		core.LogDeferredError(stdoutR.Close)
		core.LogDeferredError(stdoutW.Close)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	c := &CapturedOutput{
		OriginalStdout: os.Stdout,
		OriginalStderr: os.Stderr,
		stdoutW:        stdoutW,
		stderrW:        stderrW,
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer core.LogDeferredError(stdoutR.Close)
		c.stdout, c.stdoutErr = io.ReadAll(stdoutR)
	}()
	go func() {
		defer c.wg.Done()
		defer core.LogDeferredError(stderrR.Close)
		c.stderr, c.stderrErr = io.ReadAll(stderrR)
	}()

	os.Stdout = stdoutW
	os.Stderr = stderrW

	return c, nil
}

// Stop restores the original streams and returns what was captured
func (c *CapturedOutput) Stop() (string, string, error) {
	os.Stdout = c.OriginalStdout
	os.Stderr = c.OriginalStderr

	// closing the write ends lets the readers see EOF
	core.LogDeferredError(c.stdoutW.Close)
	core.LogDeferredError(c.stderrW.Close)
	c.wg.Wait()

	if c.stdoutErr != nil {
		return "", "", fmt.Errorf("failed to read captured stdout: %w", c.stdoutErr)
	}
	if c.stderrErr != nil {
		return "", "", fmt.Errorf("failed to read captured stderr: %w", c.stderrErr)
	}

	return string(c.stdout), string(c.stderr), nil
}
