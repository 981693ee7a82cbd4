package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/threadsync"
)

var (
	tailMetricsAddr string
	tailThread      string
)

func init() {
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9102)")
	tailCmd.Flags().StringVar(&tailThread, "thread", "", "only print messages for this thread")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow realtime events",
	Long:  "Connect to the realtime transport and print new messages, typing indicators and unread totals until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := threadsync.NewMetrics(reg)

		s, err := openSession(threadsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Close()
			fmt.Fprintf(os.Stderr, "Serving metrics on %s/metrics\n", tailMetricsAddr)
		}

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err = s.engine.FetchThreads(loadCtx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		p := newTailPrinter(s.auth.CurrentUserID(), tailThread)
		p.prime(s.engine.State())
		unsubscribe := s.engine.Subscribe(p.print)
		defer unsubscribe()

		s.engine.Realtime().OnStateChange(func(state threadsync.RealtimeState, attempt int) {
			if attempt > 0 {
				fmt.Fprintf(os.Stderr, "realtime: %s (attempt %d)\n", state, attempt)
				return
			}
			fmt.Fprintf(os.Stderr, "realtime: %s\n", state)
		})
		if err := s.engine.SyncAuth(ctx); err != nil {
			return errors.Wrap(err, "realtime connect failed")
		}

		<-ctx.Done()
		return nil
	},
}

// tailPrinter prints what changed between successive states.
type tailPrinter struct {
	me     string
	thread string

	mu     sync.Mutex
	seen   map[string]struct{}
	typing map[string]string
	unread int
}

func newTailPrinter(me, thread string) *tailPrinter {
	return &tailPrinter{
		me:     me,
		thread: threadsync.NormalizeID(thread),
		seen:   make(map[string]struct{}),
		typing: make(map[string]string),
		unread: -1,
	}
}

// prime marks everything already loaded as seen.
func (p *tailPrinter) prime(st threadsync.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range st.Messages {
		for _, m := range bucket {
			p.seen[m.ID] = struct{}{}
		}
	}
	p.unread = st.UnreadTotal
}

func (p *tailPrinter) print(st threadsync.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for threadID, bucket := range st.Messages {
		if p.thread != "" && threadID != p.thread {
			continue
		}
		for _, m := range bucket {
			if _, ok := p.seen[m.ID]; ok || m.Pending() {
				continue
			}
			p.seen[m.ID] = struct{}{}
			fmt.Printf("%s ", threadID)
			printMessage(m, p.me)
		}
	}

	for threadID, users := range st.Typing {
		if p.thread != "" && threadID != p.thread {
			continue
		}
		now := strings.Join(users, ", ")
		if p.typing[threadID] != now {
			fmt.Printf("%s typing: %s\n", threadID, now)
			p.typing[threadID] = now
		}
	}
	for threadID := range p.typing {
		if _, ok := st.Typing[threadID]; !ok {
			delete(p.typing, threadID)
		}
	}

	if st.UnreadTotal != p.unread {
		p.unread = st.UnreadTotal
		fmt.Printf("unread: %d\n", st.UnreadTotal)
	}
}
