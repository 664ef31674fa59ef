package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/event"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/metrics"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/requestctx"
	"github.com/kldeb/lambdev/internal/server/invlog"
	"github.com/kldeb/lambdev/internal/supervisor"
)

// FunctionURL terminates a gateway-style request: it builds the function's
// configured event shape from the HTTP request, runs the invocation to
// completion, and renders the proxy-integration response.
func (h *Handlers) FunctionURL(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("function")
	path := "/" + r.PathValue("path")

	desc, fault := h.routable(name)
	if fault != nil {
		h.renderFault(w, r, name, "", fault)
		return
	}

	body, ok := h.readBody(w, r, name)
	if !ok {
		return
	}

	inv := invoke.New(name, nil, desc.Timeout)
	payload, err := event.Build(desc.Shape, r, path, body, inv.ID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "InternalError", "building event: "+err.Error(), requestctx.RequestID(r.Context()))
		return
	}
	inv.Payload = payload

	out, fault := h.run(r, inv)
	if fault != nil {
		h.renderFault(w, r, name, inv.ID, fault)
		return
	}

	h.renderHTTP(w, r, inv, out)
}

// DirectInvoke is the Invoke API: the raw request body passes through as the
// event and the raw function result comes back as the response body. Handler
// errors surface via the X-Amz-Function-Error header with status 200, the
// way the real control plane reports them.
func (h *Handlers) DirectInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("function")

	desc, fault := h.routable(name)
	if fault != nil {
		h.renderFault(w, r, name, "", fault)
		return
	}

	body, ok := h.readBody(w, r, name)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	inv := invoke.New(name, body, desc.Timeout)
	out, fault := h.run(r, inv)
	if fault != nil {
		h.renderFault(w, r, name, inv.ID, fault)
		return
	}

	status := http.StatusOK
	var respBody []byte
	w.Header().Set("Content-Type", "application/json")
	if out.FnError != nil {
		w.Header().Set("X-Amz-Function-Error", functionErrorLabel(out.FnError.Type))
		respBody = encodeFunctionError(out.FnError)
	} else {
		respBody = out.Response
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)

	h.record(inv, r, out.Label(), status, len(inv.Payload), len(respBody), "", "")
}

// routable checks that the function exists and its last build succeeded.
func (h *Handlers) routable(name string) (*registry.Descriptor, *invoke.Fault) {
	desc, err := h.reg.Lookup(name)
	if err != nil {
		return nil, &invoke.Fault{Kind: invoke.KindNotFound, Message: "function " + name + " is not registered"}
	}
	if reason, failed := h.reg.BuildError(name); failed {
		return nil, &invoke.Fault{Kind: invoke.KindBuildFailed, Message: reason}
	}
	return desc, nil
}

// readBody reads the capped request body. An oversized body renders
// PayloadTooLarge and reports false.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request, name string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.renderFault(w, r, name, "", &invoke.Fault{
				Kind:    invoke.KindPayloadTooLarge,
				Message: "request body exceeds the configured limit",
			})
			return nil, false
		}
		Error(w, http.StatusBadRequest, "BadRequest", "reading request body: "+err.Error(), requestctx.RequestID(r.Context()))
		return nil, false
	}
	return body, true
}

// run assigns the invocation and blocks until it resolves. The invocation
// runs to completion even if the client hangs up; an abandoned result is
// simply discarded with the connection.
func (h *Handlers) run(r *http.Request, inv *invoke.Invocation) (invoke.Outcome, *invoke.Fault) {
	if err := h.sup.Assign(inv); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return invoke.Outcome{}, &invoke.Fault{Kind: invoke.KindNotFound, Message: "function " + inv.Function + " is not registered"}
		case errors.Is(err, supervisor.ErrShuttingDown):
			return invoke.Outcome{}, &invoke.Fault{Kind: invoke.KindDiscarded, Message: "emulator shutting down"}
		default:
			return invoke.Outcome{}, &invoke.Fault{Kind: invoke.KindInitError, Message: err.Error()}
		}
	}

	out := <-inv.Done()
	h.table.Remove(inv.ID)
	metrics.RecordInvocation(inv.Function, out.Label(), time.Since(inv.EnqueuedAt))

	if out.Fault != nil {
		return invoke.Outcome{}, out.Fault
	}
	return out, nil
}

// renderHTTP renders a worker result for the function URL surface.
func (h *Handlers) renderHTTP(w http.ResponseWriter, r *http.Request, inv *invoke.Invocation, out invoke.Outcome) {
	if out.FnError != nil {
		w.Header().Set("X-Amz-Function-Error", functionErrorLabel(out.FnError.Type))
		body := encodeFunctionError(out.FnError)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(body)
		h.record(inv, r, out.Label(), http.StatusBadGateway, len(inv.Payload), len(body), out.FnError.Message, out.FnError.Type)
		return
	}

	resp, err := event.DecodeResponse(out.Response)
	if err != nil {
		kind := invoke.KindRuntimeProtocol
		msg := "function returned a malformed proxy-integration response"
		if !errors.Is(err, event.ErrMalformedContract) {
			msg = "decoding function response: " + err.Error()
		}
		log.Warn().
			Str("function", inv.Function).
			Str("invocation", inv.ID).
			Err(err).
			Msg("Unrenderable function response")
		h.renderFaultInv(w, inv, r, &invoke.Fault{Kind: kind, Message: msg})
		return
	}

	if err := resp.Render(w); err != nil {
		log.Warn().
			Str("function", inv.Function).
			Str("invocation", inv.ID).
			Err(err).
			Msg("Failed to render function response")
	}
	h.record(inv, r, out.Label(), resp.StatusCode, len(inv.Payload), len(resp.Body), "", "")
}

func (h *Handlers) renderFault(w http.ResponseWriter, r *http.Request, function, invocationID string, fault *invoke.Fault) {
	status := faultStatus(fault.Kind)
	requestID := invocationID
	if requestID == "" {
		requestID = requestctx.RequestID(r.Context())
	}
	Error(w, status, string(fault.Kind), fault.Message, requestID)

	h.logs.Add(invlog.Entry{
		ID:        requestID,
		Function:  function,
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Outcome:   string(fault.Kind),
		Status:    status,
		Error:     fault.Message,
		ErrorCode: string(fault.Kind),
	})
}

func (h *Handlers) renderFaultInv(w http.ResponseWriter, inv *invoke.Invocation, r *http.Request, fault *invoke.Fault) {
	status := faultStatus(fault.Kind)
	Error(w, status, string(fault.Kind), fault.Message, inv.ID)
	h.record(inv, r, string(fault.Kind), status, len(inv.Payload), 0, fault.Message, string(fault.Kind))
}

func (h *Handlers) record(inv *invoke.Invocation, r *http.Request, outcome string, status, bytesIn, bytesOut int, errMsg, errCode string) {
	duration := time.Since(inv.EnqueuedAt)
	h.logs.Add(invlog.Entry{
		ID:         inv.ID,
		Function:   inv.Function,
		Timestamp:  inv.EnqueuedAt,
		Method:     r.Method,
		Path:       r.URL.Path,
		Outcome:    outcome,
		Status:     status,
		Duration:   duration,
		DurationMS: float64(duration.Microseconds()) / 1000,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		Error:      errMsg,
		ErrorCode:  errCode,
	})
}

// faultStatus maps the failure taxonomy onto HTTP status codes.
func faultStatus(kind invoke.Kind) int {
	switch kind {
	case invoke.KindNotFound:
		return http.StatusNotFound
	case invoke.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case invoke.KindTimeout:
		return http.StatusGatewayTimeout
	case invoke.KindBuildFailed, invoke.KindDiscarded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func functionErrorLabel(errorType string) string {
	if errorType == "" || strings.ContainsAny(errorType, " \t\r\n") {
		return "Unhandled"
	}
	return errorType
}
