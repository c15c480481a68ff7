// Package rpc implements the HTTP bridge through which a sandboxed connector
// reads and writes host-managed state, and a client for connectors written in
// Go.
//
// Every route is a POST with a JSON body:
//
//	/state.get            {key}          -> {found, value}
//	/state.set            {key, value}   -> {}
//	/state.del            {key}          -> {}
//	/state.deleteByPrefix {prefix}       -> {}
//	/state.size           {prefix}       -> {size}
//	/state.list           {prefix}       -> application/x-ndjson entries
//
// Keys are arrays of segments. The bridge stores them under the
// syncId=<id> namespace of the bound ExecutionContext and strips that
// namespace again from listed keys.
//
// Requests carry "Authorization: Bearer <token>" with the token the bridge
// hands to its connector through EnvToken. A state call made while no
// ExecutionContext is bound is a protocol violation; the first one is kept
// and reported by Err.
package rpc

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// EnvURL is the environment variable that carries the bridge URL into the
// connector process.
const EnvURL = "SYNCMAVEN_RPC_URL"

// EnvToken carries the bearer token the bridge accepts.
const EnvToken = "SYNCMAVEN_RPC_TOKEN"

// ContentTypeNDJSON is the content type of state.list responses.
const ContentTypeNDJSON = "application/x-ndjson"

const maxBodyBytes = 32 << 20

// ExecutionContext is what connector requests operate on. It is bound for
// the duration of a stream.
type ExecutionContext struct {
	SyncID string
	Store  store.Store
}

// Namespace is the key prefix under which this context's state lives.
func (ec *ExecutionContext) Namespace() store.Key {
	return store.Key{"syncId=" + ec.SyncID}
}

type keyRequest struct {
	Key store.Key `json:"key"`
}

type setRequest struct {
	Key   store.Key       `json:"key"`
	Value json.RawMessage `json:"value"`
}

type prefixRequest struct {
	Prefix store.Key `json:"prefix"`
}

// GetResponse is the reply to state.get.
type GetResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// SizeResponse is the reply to state.size.
type SizeResponse struct {
	Size int `json:"size"`
}

// ErrorResponse is returned with any non-200 status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListLine is one line of a state.list response. A line with Error set
// terminates the stream.
type ListLine struct {
	Key   store.Key       `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

// Bridge is a short-lived HTTP server, one per destination channel.
type Bridge struct {
	log   *zap.Logger
	token string

	mu        sync.RWMutex
	violation error
	exec      *ExecutionContext
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewBridge creates a bridge. Nothing listens until Start.
func NewBridge() *Bridge {
	return &Bridge{
		log:   logger.With(zap.String("component", "rpc_bridge")),
		token: uuid.NewString(),
	}
}

// Token is the bearer token requests must present.
func (b *Bridge) Token() string { return b.token }

// Err returns the first protocol violation a connector committed against
// the bridge, or nil.
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.violation
}

func (b *Bridge) violate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.violation == nil {
		b.violation = err
	}
}

// Handler returns the bridge routes.
func (b *Bridge) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/state.get", b.route("state.get", b.handleGet)).Methods(http.MethodPost)
	r.HandleFunc("/state.set", b.route("state.set", b.handleSet)).Methods(http.MethodPost)
	r.HandleFunc("/state.del", b.route("state.del", b.handleDel)).Methods(http.MethodPost)
	r.HandleFunc("/state.deleteByPrefix", b.route("state.deleteByPrefix", b.handleDeleteByPrefix)).Methods(http.MethodPost)
	r.HandleFunc("/state.size", b.route("state.size", b.handleSize)).Methods(http.MethodPost)
	r.HandleFunc("/state.list", b.route("state.list", b.handleList)).Methods(http.MethodPost)
	return gzhttp.GzipHandler(r)
}

// Start listens on an ephemeral port of host ("127.0.0.1" for local
// processes, "0.0.0.0" when containers must reach it).
func (b *Bridge) Start(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to start rpc bridge")
	}

	server := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.log.Error("rpc bridge stopped", zap.Error(err))
		}
	}()

	b.server = server
	b.listener = listener
	b.done = done
	b.log.Debug("rpc bridge listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Port returns the port the bridge listens on, or 0 before Start.
func (b *Bridge) Port() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return 0
	}
	return b.listener.Addr().(*net.TCPAddr).Port
}

// URL is the base URL under which a process reaching the host as hostAlias
// finds the bridge.
func (b *Bridge) URL(hostAlias string) string {
	return "http://" + net.JoinHostPort(hostAlias, strconv.Itoa(b.Port()))
}

// Bind makes ec the context of subsequent requests.
func (b *Bridge) Bind(ec *ExecutionContext) {
	b.mu.Lock()
	b.exec = ec
	b.mu.Unlock()
}

// Unbind removes the current context. Requests fail until the next Bind.
func (b *Bridge) Unbind() {
	b.Bind(nil)
}

func (b *Bridge) current() (*ExecutionContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.exec == nil {
		return nil, errors.New(errors.ErrorTypeProtocol, "no execution context is bound: state calls are only valid during a stream")
	}
	return b.exec, nil
}

// Stop shuts the listener down. Stopping a stopped bridge is a no-op.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	server, done := b.server, b.done
	b.server = nil
	b.listener = nil
	b.exec = nil
	b.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	<-done
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCleanup, "failed to stop rpc bridge")
	}
	return nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error

func (b *Bridge) route(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		defer func() {
			if p := recover(); p != nil {
				b.log.Error("rpc handler panicked", zap.String("route", name), zap.Any("panic", p))
				status = http.StatusInternalServerError
				writeJSON(w, status, ErrorResponse{Error: "internal error"})
			}
			metrics.BridgeRequests.WithLabelValues(name, strconv.Itoa(status)).Inc()
		}()

		if !b.authorized(r) {
			status = http.StatusUnauthorized
			b.log.Warn("rpc request rejected: bad or missing token", zap.String("route", name))
			writeJSON(w, status, ErrorResponse{Error: "unauthorized"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		err := b.serve(w, r, h)
		if err == nil {
			return
		}

		status = http.StatusInternalServerError
		var he *httpError
		if errors.As(err, &he) {
			status = he.status
		}
		b.log.Warn("rpc request failed", zap.String("route", name), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
	}
}

func (b *Bridge) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	want := "Bearer " + b.token
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (b *Bridge) serve(w http.ResponseWriter, r *http.Request, h handlerFunc) error {
	ec, err := b.current()
	if err != nil {
		b.violate(errors.Wrap(err, errors.ErrorTypeProtocol, "connector called "+r.URL.Path+" outside of a stream"))
		return err
	}
	return h(w, r, ec)
}

func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &httpError{status: http.StatusBadRequest, err: err}
	}
	if err := json.UnmarshalUseNumber(body, v); err != nil {
		return &httpError{status: http.StatusBadRequest, err: errors.Wrap(err, errors.ErrorTypeProtocol, "malformed request body")}
	}
	return nil
}

func namespaced(ec *ExecutionContext, key store.Key) (store.Key, error) {
	if len(key) == 0 {
		return nil, &httpError{status: http.StatusBadRequest, err: errors.New(errors.ErrorTypeValidation, "key must not be empty")}
	}
	full, err := ec.Namespace().Append(key...)
	if err != nil {
		return nil, &httpError{status: http.StatusBadRequest, err: err}
	}
	return full, nil
}

// namespacedPrefix allows an empty prefix, which addresses the whole namespace.
func namespacedPrefix(ec *ExecutionContext, prefix store.Key) (store.Key, error) {
	if len(prefix) == 0 {
		return ec.Namespace(), nil
	}
	return namespaced(ec, prefix)
}

func (b *Bridge) handleGet(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req keyRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	key, err := namespaced(ec, req.Key)
	if err != nil {
		return err
	}
	value, found, err := ec.Store.Get(r.Context(), key)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, GetResponse{Found: found, Value: value})
	return nil
}

func (b *Bridge) handleSet(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req setRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	key, err := namespaced(ec, req.Key)
	if err != nil {
		return err
	}
	if len(req.Value) == 0 {
		req.Value = json.RawMessage("null")
	}
	if err := ec.Store.Set(r.Context(), key, req.Value); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (b *Bridge) handleDel(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req keyRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	key, err := namespaced(ec, req.Key)
	if err != nil {
		return err
	}
	if err := ec.Store.Del(r.Context(), key); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (b *Bridge) handleDeleteByPrefix(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req prefixRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	prefix, err := namespacedPrefix(ec, req.Prefix)
	if err != nil {
		return err
	}
	if err := ec.Store.DeleteByPrefix(r.Context(), prefix); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (b *Bridge) handleSize(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req prefixRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	prefix, err := namespacedPrefix(ec, req.Prefix)
	if err != nil {
		return err
	}
	size, err := ec.Store.Size(r.Context(), prefix)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, SizeResponse{Size: size})
	return nil
}

func (b *Bridge) handleList(w http.ResponseWriter, r *http.Request, ec *ExecutionContext) error {
	var req prefixRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	prefix, err := namespacedPrefix(ec, req.Prefix)
	if err != nil {
		return err
	}

	ns := ec.Namespace()
	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	count := 0
	err = ec.Store.StreamBatch(r.Context(), prefix, store.DefaultPageSize, func(batch []store.Entry) error {
		for _, e := range batch {
			if err := json.WriteLine(w, ListLine{Key: e.Key.TrimPrefix(ns), Value: e.Value}); err != nil {
				return err
			}
		}
		count += len(batch)
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone; the error travels as the last line.
		b.log.Warn("state.list aborted", zap.Int("sent", count), zap.Error(err))
		_ = json.WriteLine(w, ListLine{Error: err.Error()})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
