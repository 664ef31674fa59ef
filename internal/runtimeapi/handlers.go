package runtimeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/metrics"
	"github.com/kldeb/lambdev/internal/supervisor"
)

// maxResponseBytes caps a worker's response payload, matching the platform's
// synchronous response limit.
const maxResponseBytes = 6 * 1024 * 1024

const functionARNPrefix = "arn:aws:lambda:us-east-1:000000000000:function:"

// handleNext is the long-poll half of the protocol. It blocks until the
// supervisor assigns an invocation to this worker or the worker is retired.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("workerID")

	inv, err := s.sup.Poll(r.Context(), workerID)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrUnknownWorker):
			writeProtocolError(w, http.StatusNotFound, "UnknownWorker", "worker id is not registered")
		case errors.Is(err, supervisor.ErrWorkerStopped):
			// Retired worker; tell the shim to stop polling.
			writeProtocolError(w, http.StatusGone, "WorkerStopped", "worker has been retired")
		default:
			// Poll context ended: the worker process went away mid-poll.
			return
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Lambda-Runtime-Aws-Request-Id", inv.ID)
	w.Header().Set("Lambda-Runtime-Deadline-Ms", strconv.FormatInt(inv.Deadline.UnixMilli(), 10))
	w.Header().Set("Lambda-Runtime-Invoked-Function-Arn", functionARNPrefix+inv.Function)
	if inv.TraceID != "" {
		w.Header().Set("Lambda-Runtime-Trace-Id", inv.TraceID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(inv.Payload)
}

// handleResponse accepts a successful result. A payload that is not valid
// JSON resolves the invocation with a protocol fault instead of being passed
// through to the waiting client.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("workerID")
	invocationID := r.PathValue("invocationID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	if err != nil {
		s.finish(w, workerID, invocationID, invoke.Outcome{Fault: &invoke.Fault{
			Kind:    invoke.KindRuntimeProtocol,
			Message: "reading response payload: " + err.Error(),
		}})
		return
	}
	if !json.Valid(body) {
		metrics.RecordProtocolAnomaly("malformed_response")
		log.Warn().
			Str("worker", workerID).
			Str("invocation", invocationID).
			Msg("Worker posted a non-JSON response payload")
		s.finish(w, workerID, invocationID, invoke.Outcome{Fault: &invoke.Fault{
			Kind:    invoke.KindRuntimeProtocol,
			Message: "response payload is not valid JSON",
		}})
		return
	}

	s.finish(w, workerID, invocationID, invoke.Outcome{Response: body})
}

// handleError accepts a handler-reported function error. The envelope is
// surfaced to the waiting client as a function error, not an emulator fault.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("workerID")
	invocationID := r.PathValue("invocationID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	if err != nil {
		s.finish(w, workerID, invocationID, invoke.Outcome{Fault: &invoke.Fault{
			Kind:    invoke.KindRuntimeProtocol,
			Message: "reading error payload: " + err.Error(),
		}})
		return
	}

	var fnErr invoke.FunctionError
	if err := json.Unmarshal(body, &fnErr); err != nil || fnErr.Type == "" && fnErr.Message == "" {
		metrics.RecordProtocolAnomaly("malformed_error")
		log.Warn().
			Str("worker", workerID).
			Str("invocation", invocationID).
			Msg("Worker posted an unparsable error payload")
		s.finish(w, workerID, invocationID, invoke.Outcome{Fault: &invoke.Fault{
			Kind:    invoke.KindRuntimeProtocol,
			Message: "error payload is not a valid error envelope",
		}})
		return
	}

	s.finish(w, workerID, invocationID, invoke.Outcome{FnError: &fnErr})
}

// handleInitError handles a worker that failed before serving any invocation.
func (s *Server) handleInitError(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("workerID")

	var fnErr invoke.FunctionError
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	_ = json.Unmarshal(body, &fnErr)

	if err := s.sup.InitError(workerID, fnErr.Type, fnErr.Message); err != nil {
		metrics.RecordProtocolAnomaly("unknown_worker")
		log.Warn().Str("worker", workerID).Msg("Init error from unknown worker")
		writeProtocolError(w, http.StatusNotFound, "UnknownWorker", "worker id is not registered")
		return
	}
	writeAccepted(w)
}

// finish applies a worker result through the supervisor. Stale and unknown
// references are logged and absorbed; a late or duplicate post must never
// crash a worker shim.
func (s *Server) finish(w http.ResponseWriter, workerID, invocationID string, out invoke.Outcome) {
	err := s.sup.Complete(workerID, invocationID, out)
	switch {
	case err == nil:
		writeAccepted(w)
	case errors.Is(err, supervisor.ErrStaleInvocation):
		metrics.RecordProtocolAnomaly("stale_result")
		log.Debug().
			Str("worker", workerID).
			Str("invocation", invocationID).
			Msg("Discarding result from a stale worker generation")
		writeProtocolError(w, http.StatusBadRequest, "InvalidRequestID", "invocation is no longer assigned to this worker")
	case errors.Is(err, supervisor.ErrUnknownInvocation):
		metrics.RecordProtocolAnomaly("unknown_invocation")
		log.Debug().
			Str("worker", workerID).
			Str("invocation", invocationID).
			Msg("Result references an unknown invocation")
		writeProtocolError(w, http.StatusNotFound, "InvalidRequestID", "invocation id is not pending")
	case errors.Is(err, supervisor.ErrUnknownWorker):
		metrics.RecordProtocolAnomaly("unknown_worker")
		log.Warn().
			Str("worker", workerID).
			Str("invocation", invocationID).
			Msg("Result from unknown worker")
		writeProtocolError(w, http.StatusNotFound, "UnknownWorker", "worker id is not registered")
	default:
		writeProtocolError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

func writeProtocolError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorType":    errType,
		"errorMessage": msg,
	})
}
