package callback

import (
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"authkit/pkg/logging"
)

// DefaultPort is the default port for the loopback callback server.
const DefaultPort = 8765

// WaitTimeout bounds how long the login command waits for the browser
// round-trip.
const WaitTimeout = 10 * time.Minute

//go:embed templates/success.html
var successHTML string

//go:embed templates/error.html
var errorHTML string

// Result carries the query parameters of one authorization redirect.
type Result struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Failed reports whether the provider redirected back with an error.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Server is a one-shot loopback HTTP server that receives a single
// authorization redirect and then shuts down. Repeat hits on the callback
// path after the first are rejected.
type Server struct {
	port     int
	server   *http.Server
	listener net.Listener
	baseURL  string

	resultCh chan *Result
	serveErr chan error
	once     sync.Once
}

// NewServer creates a callback server. Port 0 selects DefaultPort; if that
// matters to the registered redirect URI, pass it explicitly.
func NewServer(port int) *Server {
	if port == 0 {
		port = DefaultPort
	}
	return &Server{
		port:     port,
		resultCh: make(chan *Result, 1),
		serveErr: make(chan error, 1),
	}
}

// Start begins listening and returns the redirect URI to hand to the
// authorization flow. The server stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return "", fmt.Errorf("failed to listen for callback on port %d: %w", s.port, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logging.Debug("Callback", "Listening on %s", s.baseURL)
	return s.RedirectURI(), nil
}

// Wait blocks until the redirect arrives, the server fails, or ctx is done.
func (s *Server) Wait(ctx context.Context) (*Result, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.serveErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// RedirectURI returns the redirect URI served by this server.
func (s *Server) RedirectURI() string {
	return s.baseURL + "/callback"
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var first bool
	s.once.Do(func() {
		first = true
		s.deliver(w, r)
	})

	if !first {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

// deliver runs exactly once: renders the result page, publishes the result,
// and schedules shutdown.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &Result{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	var tmpl *template.Template
	var data interface{}
	if result.Failed() {
		tmpl = template.Must(template.New("error").Parse(errorHTML))
		data = map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		}
		logging.Warn("Callback", "Authorization failed: %s", result.Error)
	} else {
		tmpl = template.Must(template.New("success").Parse(successHTML))
		data = map[string]string{}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Give the browser a moment to read the response before shutting down.
	go func() {
		time.Sleep(time.Second)
		s.Stop()
	}()
}
