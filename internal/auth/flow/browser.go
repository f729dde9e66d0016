package flow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// preferredCallbackPort keeps the redirect URI stable across runs so
	// it can be registered with the provider. Falls back to a random high
	// port when taken.
	preferredCallbackPort = 48752
	callbackPath          = "/oauth/callback"
	// callbackTimeout bounds how long a session waits for the user.
	callbackTimeout = 5 * time.Minute
)

// LoopbackAgent performs the interactive authorization step with the
// system browser and an ephemeral localhost HTTP server as the redirect
// target (RFC 8252 native-app flow). Each Begin call reserves its own
// listener, so concurrent attempts do not share anything.
type LoopbackAgent struct {
	log *zap.Logger

	// openBrowser is swappable in tests.
	openBrowser func(url string) error
}

// NewLoopbackAgent returns a browser-backed user agent.
func NewLoopbackAgent(log *zap.Logger) *LoopbackAgent {
	return &LoopbackAgent{log: log, openBrowser: openSystemBrowser}
}

func (a *LoopbackAgent) Begin(ctx context.Context) (Session, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredCallbackPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("starting callback listener: %w", err)
		}
		a.log.Debug("preferred callback port in use, using random port",
			zap.Int("preferred", preferredCallbackPort))
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s := &loopbackSession{
		agent:    a,
		listener: listener,
		redirect: fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath),
		result:   make(chan *url.URL, 1),
	}
	a.log.Debug("callback listener ready", zap.String("redirect_uri", s.redirect))
	return s, nil
}

type loopbackSession struct {
	agent    *LoopbackAgent
	listener net.Listener
	redirect string
	result   chan *url.URL

	srv       *http.Server
	closeOnce sync.Once
}

func (s *loopbackSession) RedirectURI() string { return s.redirect }

func (s *loopbackSession) Wait(ctx context.Context, authURL string) (*url.URL, error) {
	var received sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		delivered := false
		received.Do(func() {
			cb := *r.URL
			s.result <- &cb
			delivered = true
		})
		if !delivered {
			http.Error(w, "callback already processed", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackPage)
	})

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.agent.log.Warn("callback server error", zap.Error(err))
		}
	}()

	if err := s.agent.openBrowser(authURL); err != nil {
		return nil, fmt.Errorf("opening browser: %w", err)
	}

	timer := time.NewTimer(callbackTimeout)
	defer timer.Stop()

	select {
	case cb := <-s.result:
		return cb, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no callback within %v", ErrUserCancelled, callbackTimeout)
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, ErrUserCancelled
		}
		return nil, ctx.Err()
	}
}

func (s *loopbackSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = s.srv.Shutdown(ctx)
		} else {
			err = s.listener.Close()
		}
	})
	return err
}

func openSystemBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

const callbackPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>mailbridge</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 480px; margin: 80px auto; padding: 20px; text-align: center; color: #1f2937; }
		p { color: #6b7280; }
	</style>
</head>
<body>
	<h1>Authorization received</h1>
	<p>You can close this tab and return to mailbridge.</p>
</body>
</html>`
