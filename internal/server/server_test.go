package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kldeb/lambdev/internal/config"
	"github.com/kldeb/lambdev/internal/event"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/runtimeapi"
	"github.com/kldeb/lambdev/internal/supervisor"
)

// shimFunc maps a delivered payload to the runtime API path suffix
// ("response" or "error") and the body to post.
type shimFunc func(payload []byte) (string, []byte)

// echoContract decodes the gateway event and returns its body wrapped in the
// proxy-integration contract, like a well-behaved HTTP handler.
func echoContract(payload []byte) (string, []byte) {
	var ev struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "error", []byte(`{"errorType":"Runtime.DecodeError","errorMessage":"bad event"}`)
	}
	resp, _ := json.Marshal(map[string]any{
		"statusCode": 200,
		"headers":    map[string]string{"content-type": "application/json"},
		"body":       ev.Body,
	})
	return "response", resp
}

// httpShimSpawner runs a polling loop over the real runtime protocol server
// for every spawned worker, standing in for a function process.
type httpShimSpawner struct {
	runtimeURL string
	mu         sync.Mutex
	handle     shimFunc
}

func (s *httpShimSpawner) setHandle(fn shimFunc) {
	s.mu.Lock()
	s.handle = fn
	s.mu.Unlock()
}

func (s *httpShimSpawner) Spawn(_ *registry.Descriptor, workerID string, _ []string) (supervisor.Process, error) {
	proc := &shimProcess{done: make(chan struct{})}
	go s.loop(workerID)
	return proc, nil
}

func (s *httpShimSpawner) loop(workerID string) {
	base := s.runtimeURL + "/" + workerID + "/2018-06-01/runtime/invocation"
	for {
		resp, err := http.Get(base + "/next")
		if err != nil {
			return
		}
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		requestID := resp.Header.Get("Lambda-Runtime-Aws-Request-Id")

		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		suffix, body := handle(payload)

		post, err := http.Post(base+"/"+requestID+"/"+suffix, "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		post.Body.Close()
	}
}

type shimProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *shimProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *shimProcess) Terminate() error      { p.exit(); return nil }
func (p *shimProcess) Kill() error           { p.exit(); return nil }
func (p *shimProcess) Done() <-chan struct{} { return p.done }
func (p *shimProcess) Err() error            { return nil }
func (p *shimProcess) Pid() int              { return 9999 }

type rig struct {
	ingress *httptest.Server
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	shim    *httpShimSpawner
	srv     *Server
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New()
	require.NoError(t, reg.Upsert(&registry.Descriptor{
		Name:        "echo",
		Handler:     "/bin/echo-handler",
		Timeout:     5 * time.Second,
		Concurrency: 2,
		Shape:       event.ShapeHTTPProxy,
	}))

	table := invoke.NewTable()
	shim := &httpShimSpawner{handle: echoContract}
	sup := supervisor.New(reg, table, supervisor.Options{
		GracePeriod: 50 * time.Millisecond,
		Spawner:     shim,
	})
	reg.SetRestartHook(sup.Restart)

	protocol := httptest.NewServer(runtimeapi.New(sup).Handler())
	t.Cleanup(protocol.Close)
	// Cleanups run LIFO: shut the supervisor down before closing the protocol
	// server so workers parked in /next are released and the server can drain.
	t.Cleanup(sup.Shutdown)
	shim.runtimeURL = protocol.URL
	sup.SetRuntimeAddr(protocol.Listener.Addr().String())

	srv := New(cfg, reg, table, sup)
	ingress := httptest.NewServer(srv.Handler())
	t.Cleanup(ingress.Close)

	return &rig{ingress: ingress, reg: reg, sup: sup, shim: shim, srv: srv}
}

func TestFunctionURL_EchoRoundTrip(t *testing.T) {
	r := newRig(t, nil)

	resp, err := http.Post(r.ingress.URL+"/lambda-url/echo/hello", "application/json",
		bytes.NewReader([]byte(`{"x":1}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"x":1}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestFunctionURL_SimpleResponseWrapped(t *testing.T) {
	r := newRig(t, nil)
	// Handler returns a bare value with no contract fields.
	r.shim.setHandle(func([]byte) (string, []byte) {
		return "response", []byte(`{"greeting":"hi"}`)
	})

	resp, err := http.Get(r.ingress.URL + "/lambda-url/echo/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(body))
}

func TestFunctionURL_UnknownFunction(t *testing.T) {
	r := newRig(t, nil)

	resp, err := http.Get(r.ingress.URL + "/lambda-url/missing/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "NotFound", errResp["code"])
}

func TestFunctionURL_BuildFailed(t *testing.T) {
	r := newRig(t, nil)
	r.reg.SetBuildError("echo", "exit status 2: syntax error")

	resp, err := http.Get(r.ingress.URL + "/lambda-url/echo/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "BuildFailed", errResp["code"])
	assert.Contains(t, errResp["error"], "syntax error")
}

func TestFunctionURL_PayloadTooLarge(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Server.MaxBodySize = 16
	})

	resp, err := http.Post(r.ingress.URL+"/lambda-url/echo/x", "application/json",
		bytes.NewReader(bytes.Repeat([]byte("a"), 64)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "PayloadTooLarge", errResp["code"])
}

func TestFunctionURL_FunctionError(t *testing.T) {
	r := newRig(t, nil)
	r.shim.setHandle(func([]byte) (string, []byte) {
		return "error", []byte(`{"errorType":"ValueError","errorMessage":"nope"}`)
	})

	resp, err := http.Get(r.ingress.URL + "/lambda-url/echo/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "ValueError", resp.Header.Get("X-Amz-Function-Error"))
	var envelope map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "nope", envelope["errorMessage"])
}

func TestFunctionURL_MalformedContractIsProtocolError(t *testing.T) {
	r := newRig(t, nil)
	// Contract field present but wrong type.
	r.shim.setHandle(func([]byte) (string, []byte) {
		return "response", []byte(`{"statusCode":"two hundred"}`)
	})

	resp, err := http.Get(r.ingress.URL + "/lambda-url/echo/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "RuntimeProtocolError", errResp["code"])
}

func TestFunctionURL_InvalidBase64BodyIsProtocolError(t *testing.T) {
	r := newRig(t, nil)
	// Base64 flag set but the body is not decodable: the client must see a
	// protocol error, not a 200 with an empty body.
	r.shim.setHandle(func([]byte) (string, []byte) {
		return "response", []byte(`{"statusCode":200,"body":"not base64!!","isBase64Encoded":true}`)
	})

	resp, err := http.Get(r.ingress.URL + "/lambda-url/echo/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "RuntimeProtocolError", errResp["code"])
}

func TestDirectInvoke_RawPassthrough(t *testing.T) {
	r := newRig(t, nil)
	// Handler echoes the raw event it was given.
	r.shim.setHandle(func(payload []byte) (string, []byte) {
		return "response", payload
	})

	resp, err := http.Post(r.ingress.URL+"/2015-03-31/functions/echo/invocations",
		"application/json", bytes.NewReader([]byte(`{"direct":true}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Amz-Function-Error"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"direct":true}`, string(body))
}

func TestDirectInvoke_FunctionErrorHeader(t *testing.T) {
	r := newRig(t, nil)
	r.shim.setHandle(func([]byte) (string, []byte) {
		return "error", []byte(`{"errorType":"KeyError","errorMessage":"missing key"}`)
	})

	resp, err := http.Post(r.ingress.URL+"/2015-03-31/functions/echo/invocations",
		"application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "KeyError", resp.Header.Get("X-Amz-Function-Error"))
	var envelope map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "missing key", envelope["errorMessage"])
}

func TestTimeout_RendersGatewayTimeout(t *testing.T) {
	r := newRig(t, nil)
	release := make(chan struct{})
	r.shim.setHandle(func([]byte) (string, []byte) {
		<-release
		return "response", []byte(`{}`)
	})
	t.Cleanup(func() { close(release) })

	short := &registry.Descriptor{
		Name:        "slow",
		Handler:     "/bin/slow-handler",
		Timeout:     200 * time.Millisecond,
		Concurrency: 1,
		Shape:       event.ShapeHTTPProxy,
	}
	require.NoError(t, r.reg.Upsert(short))

	resp, err := http.Get(r.ingress.URL + "/lambda-url/slow/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "InvocationTimeout", errResp["code"])
}

func TestRebuild_RestartsViaRegistryHook(t *testing.T) {
	r := newRig(t, nil)

	// Warm the pool.
	resp, err := http.Post(r.ingress.URL+"/lambda-url/echo/warm", "application/json",
		bytes.NewReader([]byte(`{"n":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Simulate a successful rebuild: the upsert hook bumps the generation.
	require.NoError(t, r.reg.Upsert(&registry.Descriptor{
		Name:        "echo",
		Handler:     "/bin/echo-handler-v2",
		Timeout:     5 * time.Second,
		Concurrency: 2,
		Shape:       event.ShapeHTTPProxy,
	}))

	// The next request cold-starts a fresh worker and still succeeds.
	resp, err = http.Post(r.ingress.URL+"/lambda-url/echo/again", "application/json",
		bytes.NewReader([]byte(`{"n":2}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"n":2}`, string(body))
}

func TestDiagnostics_Endpoints(t *testing.T) {
	r := newRig(t, nil)

	resp, err := http.Post(r.ingress.URL+"/lambda-url/echo/x", "application/json",
		bytes.NewReader([]byte(`{"seen":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(r.ingress.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["functions"])

	resp, err = http.Get(r.ingress.URL + "/lambdev/functions")
	require.NoError(t, err)
	var fns struct {
		Functions []map[string]any `json:"functions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fns))
	resp.Body.Close()
	require.Len(t, fns.Functions, 1)
	assert.Equal(t, "echo", fns.Functions[0]["name"])

	resp, err = http.Get(r.ingress.URL + "/lambdev/requests?function=echo")
	require.NoError(t, err)
	var logs struct {
		Entries []map[string]any `json:"entries"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	resp.Body.Close()
	require.Equal(t, 1, logs.Total)
	assert.Equal(t, "success", logs.Entries[0]["outcome"])

	resp, err = http.Get(r.ingress.URL + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsBody), "lambdev_invocations_total")
}

func TestConcurrentRequests_IsolatedResponses(t *testing.T) {
	r := newRig(t, nil)

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			payload := []byte{'"', byte('a' + i), '"'}
			resp, err := http.Post(r.ingress.URL+"/lambda-url/echo/c", "application/json",
				bytes.NewReader(payload))
			if err != nil {
				results <- err
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != string(payload) {
				results <- errors.New("response " + string(body) + " does not match request " + string(payload))
				return
			}
			results <- nil
		}(i)
	}

	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
}
