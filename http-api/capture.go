package httpapi

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// responseCapture holds a paid handler's response until settlement decides whether it
// may be sent.
type responseCapture struct {
	gin.ResponseWriter
	mu      sync.Mutex
	body    bytes.Buffer
	status  int
	written bool
}

func newResponseCapture(w gin.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseCapture) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeHeaderLocked(code)
}

func (w *responseCapture) writeHeaderLocked(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
}

// WriteHeaderNow is deferred to flush.
func (w *responseCapture) WriteHeaderNow() {}

func (w *responseCapture) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeHeaderLocked(w.status)
	return w.body.Write(data)
}

func (w *responseCapture) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *responseCapture) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *responseCapture) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.written {
		return -1
	}
	return w.body.Len()
}

func (w *responseCapture) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Flush is deferred to flush.
func (w *responseCapture) Flush() {}

// flush sends the captured response through the wrapped writer.
func (w *responseCapture) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ResponseWriter.WriteHeader(w.status)
	_, _ = w.ResponseWriter.Write(w.body.Bytes())
}
