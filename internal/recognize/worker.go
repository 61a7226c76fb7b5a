package recognize

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os/exec"

	"github.com/pagewatch/platform/internal/apperr"
)

// The worker protocol is one JSON object per line in each direction.
// Requests carry the JPEG base64-encoded; responses carry the extracted
// text or an error string. The worker binary is an opaque collaborator:
// only this contract matters.
type workerRequest struct {
	ID    uint64 `json:"id"`
	Image string `json:"image"`
}

type workerResponse struct {
	ID    uint64 `json:"id"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// worker owns one recognition subprocess. A worker handles one request at
// a time; the pool enforces exclusive checkout.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID uint64
}

func startWorker(command []string) (*worker, error) {
	if len(command) == 0 {
		return nil, apperr.New(apperr.CodeConfig, "empty worker command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeWorkerSpawn, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeWorkerSpawn, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrapf(err, apperr.CodeWorkerSpawn, "starting %s", command[0])
	}

	return &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

// extract runs one recognition round trip. On context expiry the process
// is killed: a stalled engine must never be waited on indefinitely.
func (w *worker) extract(ctx context.Context, jpeg []byte) (string, error) {
	w.nextID++
	req := workerRequest{ID: w.nextID, Image: base64.StdEncoding.EncodeToString(jpeg)}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeWorkerCrashed, "encoding request")
	}
	payload = append(payload, '\n')

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		if _, err := w.stdin.Write(payload); err != nil {
			ch <- readResult{err: apperr.Wrap(err, apperr.CodeWorkerCrashed, "writing request")}
			return
		}
		line, err := w.stdout.ReadString('\n')
		if err != nil {
			ch <- readResult{err: apperr.Wrap(err, apperr.CodeWorkerCrashed, "reading response")}
			return
		}
		ch <- readResult{line: line}
	}()

	select {
	case <-ctx.Done():
		w.kill()
		return "", apperr.Wrap(ctx.Err(), apperr.CodeWorkerTimeout, "recognition timed out")
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		var resp workerResponse
		if err := json.Unmarshal([]byte(r.line), &resp); err != nil {
			return "", apperr.Wrap(err, apperr.CodeWorkerCrashed, "malformed response")
		}
		if resp.ID != req.ID {
			return "", apperr.Newf(apperr.CodeWorkerCrashed, "response id %d for request %d", resp.ID, req.ID)
		}
		if resp.Error != "" {
			return "", apperr.Newf(apperr.CodeWorkerCrashed, "worker error: %s", resp.Error)
		}
		return resp.Text, nil
	}
}

// kill terminates the subprocess without waiting for in-flight work.
func (w *worker) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	// Reap so the process table entry is released.
	go func() { _ = w.cmd.Wait() }()
}
