package solver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/slotwatch/internal/challenge"
	"github.com/jmylchreest/slotwatch/internal/logging"
)

func newTestServer(t *testing.T, pollReplies []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("in.php method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
			return
		}
		if r.PostForm.Get("method") != "base64" {
			t.Errorf("method = %q, want base64", r.PostForm.Get("method"))
		}
		if r.PostForm.Get("key") != "k" {
			t.Errorf("key = %q, want k", r.PostForm.Get("key"))
		}
		if r.PostForm.Get("body") == "bad" {
			_, _ = w.Write([]byte(`{"status":0,"request":"ERROR_ZERO_CAPTCHA_FILESIZE"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":1,"request":"task-1"}`))
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") == "getbalance" {
			_, _ = w.Write([]byte(`{"status":1,"request":"3.75"}`))
			return
		}
		if q.Get("id") != "task-1" {
			t.Errorf("id = %q, want task-1", q.Get("id"))
		}
		n := int(polls.Add(1)) - 1
		if n >= len(pollReplies) {
			n = len(pollReplies) - 1
		}
		_, _ = w.Write([]byte(pollReplies[n]))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newSolver(srv *httptest.Server, attempts int) *TwoCaptcha {
	return NewTwoCaptcha("k",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithPolling(time.Millisecond, attempts),
		WithLogger(logging.Discard()),
	)
}

func TestTwoCaptchaSolve(t *testing.T) {
	notReady := `{"status":0,"request":"CAPCHA_NOT_READY"}`

	tests := []struct {
		name      string
		replies   []string
		image     string
		attempts  int
		wantText  string
		wantPolls int32
		wantErr   error
	}{
		{"solved after polling", []string{notReady, notReady, `{"status":1,"request":"x7k2p"}`}, "aW1n", 30, "x7k2p", 3, nil},
		{"provider error", []string{`{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`}, "aW1n", 30, "", 1, nil},
		{"timeout", []string{notReady}, "aW1n", 4, "", 4, ErrSolverTimeout},
		{"submit rejected", []string{notReady}, "bad", 4, "", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, polls := newTestServer(t, tt.replies)
			s := newSolver(srv, tt.attempts)

			res, err := s.Solve(context.Background(), SolveParams{Type: challenge.TypeImage, ImageBase64: tt.image})
			if tt.wantText != "" {
				if err != nil {
					t.Fatalf("Solve() error = %v", err)
				}
				if res.Text != tt.wantText {
					t.Errorf("Text = %q, want %q", res.Text, tt.wantText)
				}
				if res.TaskID != "task-1" || res.SolverName != "2captcha" {
					t.Errorf("result = %+v", res)
				}
			} else if err == nil {
				t.Fatal("Solve() succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Solve() error = %v, want %v", err, tt.wantErr)
			}
			if got := polls.Load(); got != tt.wantPolls {
				t.Errorf("polls = %d, want %d", got, tt.wantPolls)
			}
		})
	}
}

func TestTwoCaptchaRejects(t *testing.T) {
	tests := []struct {
		name   string
		s      *TwoCaptcha
		params SolveParams
	}{
		{"no key", NewTwoCaptcha(""), SolveParams{Type: challenge.TypeImage, ImageBase64: "x"}},
		{"recaptcha", NewTwoCaptcha("k"), SolveParams{Type: challenge.TypeReCaptcha, SiteKey: "s"}},
		{"empty image", NewTwoCaptcha("k"), SolveParams{Type: challenge.TypeImage}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.s.Solve(context.Background(), tt.params); err == nil {
				t.Error("Solve() succeeded, want error")
			}
		})
	}
}

func TestTwoCaptchaCanSolve(t *testing.T) {
	tests := []struct {
		key  string
		typ  challenge.Type
		want bool
	}{
		{"k", challenge.TypeImage, true},
		{"k", challenge.TypeReCaptcha, false},
		{"k", challenge.TypeInterstitial, false},
		{"", challenge.TypeImage, false},
	}

	for _, tt := range tests {
		if got := NewTwoCaptcha(tt.key).CanSolve(tt.typ); got != tt.want {
			t.Errorf("CanSolve(key=%q, %s) = %v, want %v", tt.key, tt.typ, got, tt.want)
		}
	}
}

func TestTwoCaptchaBalance(t *testing.T) {
	srv, _ := newTestServer(t, []string{`{}`})
	got, err := newSolver(srv, 1).Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if got != 3.75 {
		t.Errorf("Balance() = %v, want 3.75", got)
	}
}

func TestTwoCaptchaCancelled(t *testing.T) {
	srv, _ := newTestServer(t, []string{`{"status":0,"request":"CAPCHA_NOT_READY"}`})
	s := NewTwoCaptcha("k", WithBaseURL(srv.URL), WithPolling(time.Hour, 3), WithLogger(logging.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Solve(ctx, SolveParams{Type: challenge.TypeImage, ImageBase64: "aW1n"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Solve() error = %v, want deadline exceeded", err)
	}
}

type stubSolver struct {
	name  string
	types []challenge.Type
	err   error
	calls int
}

func (s *stubSolver) Name() string { return s.name }

func (s *stubSolver) CanSolve(ct challenge.Type) bool {
	for _, t := range s.types {
		if t == ct {
			return true
		}
	}
	return false
}

func (s *stubSolver) Solve(ctx context.Context, p SolveParams) (*SolveResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &SolveResult{Text: s.name, SolverName: s.name}, nil
}

func (s *stubSolver) Balance(ctx context.Context) (float64, error) { return -1, nil }

func TestChain(t *testing.T) {
	failing := &stubSolver{name: "a", types: []challenge.Type{challenge.TypeImage}, err: errors.New("boom")}
	working := &stubSolver{name: "b", types: []challenge.Type{challenge.TypeImage}}
	waiter := &stubSolver{name: "w", types: []challenge.Type{challenge.TypeInterstitial}}

	c := NewChain(nil, waiter, failing, working)

	res, err := c.Solve(context.Background(), SolveParams{Type: challenge.TypeImage})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.SolverName != "b" {
		t.Errorf("SolverName = %q, want b", res.SolverName)
	}
	if waiter.calls != 0 {
		t.Error("chain called a solver that cannot solve the type")
	}

	if !c.CanSolve(challenge.TypeInterstitial) || c.CanSolve(challenge.TypeReCaptcha) {
		t.Error("CanSolve() does not reflect members")
	}

	if _, err := c.Solve(context.Background(), SolveParams{Type: challenge.TypeReCaptcha}); !errors.Is(err, ErrNoSolverAvailable) {
		t.Errorf("Solve(recaptcha) error = %v, want ErrNoSolverAvailable", err)
	}

	only := NewChain(failing)
	if _, err := only.Solve(context.Background(), SolveParams{Type: challenge.TypeImage}); err == nil || err.Error() != "boom" {
		t.Errorf("Solve() error = %v, want last solver error", err)
	}
}
