package runtimeapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kldeb/lambdev/internal/event"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/supervisor"
)

type stubProcess struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (p *stubProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *stubProcess) Terminate() error      { p.exit(nil); return nil }
func (p *stubProcess) Kill() error           { p.exit(errors.New("killed")); return nil }
func (p *stubProcess) Done() <-chan struct{} { return p.done }
func (p *stubProcess) Err() error            { return p.err }
func (p *stubProcess) Pid() int              { return 1234 }

type stubSpawner struct {
	workerIDs chan string
}

func (s *stubSpawner) Spawn(_ *registry.Descriptor, workerID string, _ []string) (supervisor.Process, error) {
	s.workerIDs <- workerID
	return &stubProcess{done: make(chan struct{})}, nil
}

func newProtocolRig(t *testing.T) (*httptest.Server, *supervisor.Supervisor, *stubSpawner) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Upsert(&registry.Descriptor{
		Name:        "echo",
		Handler:     "/bin/echo-handler",
		Timeout:     5 * time.Second,
		Concurrency: 1,
		Shape:       event.ShapeHTTPProxy,
	}))

	spawner := &stubSpawner{workerIDs: make(chan string, 4)}
	sup := supervisor.New(reg, invoke.NewTable(), supervisor.Options{
		GracePeriod: 50 * time.Millisecond,
		Spawner:     spawner,
	})
	t.Cleanup(sup.Shutdown)

	ts := httptest.NewServer(New(sup).Handler())
	t.Cleanup(ts.Close)
	sup.SetRuntimeAddr(ts.Listener.Addr().String())
	return ts, sup, spawner
}

func pollNext(t *testing.T, ts *httptest.Server, workerID string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + "/" + workerID + "/2018-06-01/runtime/invocation/next")
	require.NoError(t, err)
	return resp
}

func post(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func awaitOutcome(t *testing.T, inv *invoke.Invocation) invoke.Outcome {
	t.Helper()
	select {
	case out := <-inv.Done():
		return out
	case <-time.After(5 * time.Second):
		t.Fatalf("invocation %s never resolved", inv.ID)
		return invoke.Outcome{}
	}
}

func TestNext_DeliversPayloadAndHeaders(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{"hello":"world"}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	resp := pollNext(t, ts, workerID)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, inv.ID, resp.Header.Get("Lambda-Runtime-Aws-Request-Id"))
	assert.NotEmpty(t, resp.Header.Get("Lambda-Runtime-Deadline-Ms"))
	assert.NotEmpty(t, resp.Header.Get("Lambda-Runtime-Trace-Id"))
	assert.Contains(t, resp.Header.Get("Lambda-Runtime-Invoked-Function-Arn"), "function:echo")

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(payload))

	// Complete the round trip.
	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/invocation/"+inv.ID+"/response", []byte(`{"ok":true}`))
	defer r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	assert.Equal(t, `{"ok":true}`, string(out.Response))
}

func TestNext_UnknownWorker(t *testing.T) {
	ts, _, _ := newProtocolRig(t)

	resp := pollNext(t, ts, "nobody")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResponse_MalformedJSONResolvesProtocolFault(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	next := pollNext(t, ts, workerID)
	next.Body.Close()
	require.Equal(t, http.StatusOK, next.StatusCode)

	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/invocation/"+inv.ID+"/response", []byte(`{not json`))
	defer r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	require.NotNil(t, out.Fault)
	assert.Equal(t, invoke.KindRuntimeProtocol, out.Fault.Kind)
}

func TestError_EnvelopeBecomesFunctionError(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	next := pollNext(t, ts, workerID)
	next.Body.Close()

	envelope := []byte(`{"errorType":"ValueError","errorMessage":"bad input","stackTrace":["frame1"]}`)
	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/invocation/"+inv.ID+"/error", envelope)
	defer r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	require.NotNil(t, out.FnError)
	assert.Equal(t, "ValueError", out.FnError.Type)
	assert.Equal(t, "bad input", out.FnError.Message)
	assert.Equal(t, []string{"frame1"}, out.FnError.StackTrace)
}

func TestError_UnparsableEnvelopeIsProtocolFault(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	next := pollNext(t, ts, workerID)
	next.Body.Close()

	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/invocation/"+inv.ID+"/error", []byte(`garbage`))
	defer r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	require.NotNil(t, out.Fault)
	assert.Equal(t, invoke.KindRuntimeProtocol, out.Fault.Kind)
}

func TestInitError_FailsPendingInvocation(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	// Worker never polls; it reports an init failure instead.
	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/init/error",
		[]byte(`{"errorType":"Runtime.ExitError","errorMessage":"cannot load handler"}`))
	defer r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	require.NotNil(t, out.Fault)
	assert.Equal(t, invoke.KindInitError, out.Fault.Kind)
	assert.Contains(t, out.Fault.Message, "Runtime.ExitError")
}

func TestResponse_AfterRestartIsRejected(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	oldWorker := <-spawner.workerIDs

	next := pollNext(t, ts, oldWorker)
	next.Body.Close()
	require.Equal(t, http.StatusOK, next.StatusCode)

	sup.Restart("echo")
	newWorker := <-spawner.workerIDs

	// The requeued invocation lands on the replacement worker.
	next = pollNext(t, ts, newWorker)
	next.Body.Close()
	require.Equal(t, http.StatusOK, next.StatusCode)

	// Old worker's late post must not resolve the invocation.
	r := post(t, ts.URL+"/"+oldWorker+"/2018-06-01/runtime/invocation/"+inv.ID+"/response", []byte(`"stale"`))
	r.Body.Close()
	assert.NotEqual(t, http.StatusAccepted, r.StatusCode)

	r = post(t, ts.URL+"/"+newWorker+"/2018-06-01/runtime/invocation/"+inv.ID+"/response", []byte(`"fresh"`))
	r.Body.Close()
	assert.Equal(t, http.StatusAccepted, r.StatusCode)

	out := awaitOutcome(t, inv)
	assert.Equal(t, `"fresh"`, string(out.Response))
}

func TestNext_StopsWhenWorkerRetired(t *testing.T) {
	ts, sup, spawner := newProtocolRig(t)

	inv := invoke.New("echo", []byte(`{}`), 5*time.Second)
	require.NoError(t, sup.Assign(inv))
	workerID := <-spawner.workerIDs

	next := pollNext(t, ts, workerID)
	next.Body.Close()
	require.Equal(t, http.StatusOK, next.StatusCode)

	r := post(t, ts.URL+"/"+workerID+"/2018-06-01/runtime/invocation/"+inv.ID+"/response", []byte(`{}`))
	r.Body.Close()
	awaitOutcome(t, inv)

	done := make(chan int, 1)
	go func() {
		resp := pollNext(t, ts, workerID)
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	// The idle long poll ends once the worker is retired by a restart.
	time.Sleep(50 * time.Millisecond)
	sup.Restart("echo")

	select {
	case status := <-done:
		assert.Equal(t, http.StatusGone, status)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not end after worker retirement")
	}
}
