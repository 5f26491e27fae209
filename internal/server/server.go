package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/config"
	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/logging"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
	"github.com/copyleftdev/SPHERE/internal/optimization/likelihood"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server implements the HTTP and JSON-RPC API over a single shared kernel.
// Reads and evaluations work on a clone taken under the read lock; parameter
// updates take the write lock.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	evaluator *likelihood.Evaluator

	mu     sync.RWMutex
	kernel kernels.Kernel

	// ctx is cancelled by Close and aborts running candidate sweeps.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server around kernel. The kernel is owned by the
// server from here on.
func NewServer(cfg *config.Config, kernel kernels.Kernel, evaluator *likelihood.Evaluator, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("server")
	if evaluator == nil {
		evaluator = likelihood.New(likelihood.Config{}, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		evaluator: evaluator,
		kernel:    kernel,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/kernel", s.handleGetKernel)
		r.Patch("/kernel", s.handlePatchKernel)
		r.Post("/kernel/evaluate", s.handleEvaluate)
		r.Post("/kernel/diag", s.handleDiag)
		r.Post("/likelihood", s.handleLikelihood)
		r.Post("/likelihood/candidates", s.handleCandidates)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Close aborts running candidate sweeps.
func (s *Server) Close() error {
	s.cancel()
	return nil
}

// snapshot returns a private copy of the shared kernel.
func (s *Server) snapshot() kernels.Kernel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kernel.Clone()
}

// Request and response bodies shared by the REST and JSON-RPC surfaces.

type kernelView struct {
	Params          map[string]float64       `json:"params"`
	Hyperparameters []kernels.Hyperparameter `json:"hyperparameters"`
	Stationary      bool                     `json:"stationary"`
}

type evaluateRequest struct {
	Theta        [][]float64 `json:"theta"`
	ThetaPrime   [][]float64 `json:"theta_prime,omitempty"`
	EvalGradient bool        `json:"eval_gradient"`
}

type evaluateResponse struct {
	K        [][]float64   `json:"k"`
	Gradient [][][]float64 `json:"gradient,omitempty"`
}

type diagRequest struct {
	X [][]float64 `json:"x"`
}

type diagResponse struct {
	Diag []float64 `json:"diag"`
}

type likelihoodRequest struct {
	Theta        [][]float64 `json:"theta"`
	Y            [][]float64 `json:"y"`
	EvalGradient *bool       `json:"eval_gradient,omitempty"`
}

type candidatesRequest struct {
	Theta      [][]float64            `json:"theta"`
	Y          [][]float64            `json:"y"`
	Candidates []kernels.ParamsUpdate `json:"candidates"`
}

type candidateResult struct {
	Params map[string]float64 `json:"params"`
	NLL    float64            `json:"nll"`
	Error  string             `json:"error,omitempty"`
}

type candidatesResponse struct {
	Results []candidateResult `json:"results"`
	Best    int               `json:"best"`
}

// Operations. Each is shared by a REST handler and a JSON-RPC method.

func (s *Server) describeKernel() kernelView {
	k := s.snapshot()
	return kernelView{
		Params:          k.Params(),
		Hyperparameters: k.Hyperparameters(),
		Stationary:      k.IsStationary(),
	}
}

func (s *Server) setParams(values map[string]float64) (kernelView, error) {
	if len(values) == 0 {
		return kernelView{}, errors.Wrap(kernels.ErrUnknownParameter, "no parameters given")
	}

	s.mu.Lock()
	next, err := s.kernel.SetParams(values)
	if err == nil {
		s.kernel = next
	}
	s.mu.Unlock()

	if err != nil {
		return kernelView{}, err
	}

	s.logger.Info("Kernel parameters updated", zap.Any("params", values))
	return s.describeKernel(), nil
}

func (s *Server) evaluate(req evaluateRequest) (evaluateResponse, error) {
	theta, err := denseFromRows("theta", req.Theta)
	if err != nil {
		return evaluateResponse{}, err
	}
	var thetaPrime mat.Matrix
	if req.ThetaPrime != nil {
		tp, err := denseFromRows("theta_prime", req.ThetaPrime)
		if err != nil {
			return evaluateResponse{}, err
		}
		thetaPrime = tp
	}

	K, grad, err := s.snapshot().Evaluate(theta, thetaPrime, req.EvalGradient)
	if err != nil {
		return evaluateResponse{}, err
	}

	resp := evaluateResponse{K: rowsFromDense(K)}
	if req.EvalGradient {
		resp.Gradient = grad.Raw()
	}
	return resp, nil
}

func (s *Server) diag(req diagRequest) diagResponse {
	if len(req.X) == 0 {
		return diagResponse{Diag: []float64{}}
	}
	// Diag only looks at the row count, so ragged rows are tolerated.
	X := mat.NewDense(len(req.X), 1, nil)
	return diagResponse{Diag: s.snapshot().Diag(X)}
}

func (s *Server) evaluateLikelihood(req likelihoodRequest) (likelihood.Result, error) {
	theta, err := denseFromRows("theta", req.Theta)
	if err != nil {
		return likelihood.Result{}, err
	}
	Y, err := denseFromRows("y", req.Y)
	if err != nil {
		return likelihood.Result{}, err
	}

	k := s.snapshot()
	if req.EvalGradient != nil && !*req.EvalGradient {
		v, err := s.evaluator.TotalNegativeLogLikelihood(k, theta, Y)
		return likelihood.Result{Value: v}, err
	}
	return s.evaluator.Gradient(k, theta, Y)
}

func (s *Server) evaluateCandidates(ctx context.Context, req candidatesRequest) (candidatesResponse, error) {
	theta, err := denseFromRows("theta", req.Theta)
	if err != nil {
		return candidatesResponse{}, err
	}
	Y, err := denseFromRows("y", req.Y)
	if err != nil {
		return candidatesResponse{}, err
	}
	if len(req.Candidates) == 0 {
		return candidatesResponse{}, errors.Wrap(kernels.ErrInvalidHyperparameter, "no candidates given")
	}

	if err := s.ctx.Err(); err != nil {
		return candidatesResponse{}, errors.Wrap(err, "server is shutting down")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	out, err := s.evaluator.EvaluateCandidates(ctx, s.snapshot(), req.Candidates, theta, Y)
	if err != nil {
		return candidatesResponse{}, err
	}

	resp := candidatesResponse{Results: make([]candidateResult, len(out)), Best: -1}
	for i, c := range out {
		resp.Results[i] = candidateResult{Params: c.Params, NLL: c.Value}
		if c.Err != nil {
			resp.Results[i].Error = c.Err.Error()
			continue
		}
		if resp.Best < 0 || c.Value < out[resp.Best].Value {
			resp.Best = i
		}
	}
	return resp, nil
}

// REST handlers

func (s *Server) handleGetKernel(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.describeKernel())
}

func (s *Server) handlePatchKernel(w http.ResponseWriter, r *http.Request) {
	var values map[string]float64
	if !s.decode(w, r, &values) {
		return
	}
	view, err := s.setParams(values)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.evaluate(req)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	var req diagRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.diag(req))
}

func (s *Server) handleLikelihood(w http.ResponseWriter, r *http.Request) {
	var req likelihoodRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.evaluateLikelihood(req)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	var req candidatesRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.evaluateCandidates(r.Context(), req)
	if err != nil {
		s.respondHTTPError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(s.limitBody(w, r).Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "kernel.params":
		result = s.describeKernel()
	case "kernel.set_params":
		var values map[string]float64
		if err = decodeParams(request.Params, &values); err == nil {
			result, err = s.setParams(values)
		}
	case "kernel.evaluate":
		var req evaluateRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.evaluate(req)
		}
	case "kernel.diag":
		var req diagRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result = s.diag(req)
		}
	case "likelihood.evaluate":
		var req likelihoodRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.evaluateLikelihood(req)
		}
	case "likelihood.candidates":
		var req candidatesRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.evaluateCandidates(r.Context(), req)
		}
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := codeServerError
		if statusFor(err) == http.StatusBadRequest {
			code = codeInvalidParams
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	// Send successful response
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("Request error",
		zap.Int("code", code),
		zap.String("message", message),
	)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

// respondHTTPError maps err onto an HTTP status and writes {"error": ...}.
func (s *Server) respondHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(s.limitBody(w, r).Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Invalid request body: %v", err),
		})
		return false
	}
	return true
}

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) *http.Request {
	if s.cfg != nil && s.cfg.HTTP.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)
	}
	return r
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kernels.ErrInvalidHyperparameter),
		errors.Is(err, kernels.ErrUnknownParameter),
		errors.Is(err, kernels.ErrShapeMismatch),
		errors.Is(err, errInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, kernels.ErrNumericDegeneracy),
		errors.Is(err, likelihood.ErrNotPositiveDefinite):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errInvalidParams = errors.Sentinel("invalid params")

// decodeParams accepts JSON-RPC params either as an object or as a one
// element array holding the object. Unknown fields are rejected as in REST
// bodies.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errors.Wrap(errInvalidParams, "params are required")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return errors.Wrap(errInvalidParams, err.Error())
		}
		if len(list) != 1 {
			return errors.Wrapf(errInvalidParams, "expected one params object, got %d", len(list))
		}
		raw = list[0]
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(errInvalidParams, err.Error())
	}
	return nil
}
