// Command rudpcat sends and receives lines over rudp connections.
//
//	rudpcat listen :7777
//	rudpcat dial 127.0.0.1:7777 --hello "it's me"
//
// Each line read from stdin is sent as one message; every received message
// is written to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/rudp"
	"github.com/opd-ai/rudp/metrics"
)

var (
	cfgFile     string
	verbose     bool
	unreliable  bool
	metricsAddr string
	hello       string
	echo        bool
	dialTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "rudpcat",
	Short:         "Send and receive lines over reliable UDP",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		logrus.SetOutput(os.Stderr)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen ADDRESS",
	Short: "Accept connections and print what they send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		return runListen(cmd.Context(), args[0], opts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial ADDRESS",
	Short: "Connect to a listener and exchange lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		return runDial(cmd.Context(), args[0], opts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML options file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&unreliable, "unreliable", "u", false, "send lines unreliably")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	listenCmd.Flags().BoolVar(&echo, "echo", false, "send every message back to its sender")
	dialCmd.Flags().StringVar(&hello, "hello", "", "hello payload")
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second, "connect timeout")

	rootCmd.AddCommand(listenCmd, dialCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadOptions() (*rudp.Options, error) {
	opts := rudp.DefaultOptions()
	if cfgFile != "" {
		var err error
		if opts, err = rudp.LoadOptions(cfgFile); err != nil {
			return nil, err
		}
	}
	opts.Logger = logrus.StandardLogger()
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.NewCollector("rudp", reg)
		go serveMetrics(metricsAddr, reg)
	}
	return opts, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Metrics server stopped")
	}
}

func reliability() rudp.Reliability {
	if unreliable {
		return rudp.Unreliable
	}
	return rudp.Reliable
}

// lockedWriter serializes writes from connection handlers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) println(prefix string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prefix != "" {
		fmt.Fprintf(l.w, "%s: ", prefix)
	}
	fmt.Fprintf(l.w, "%s\n", payload)
}

func runListen(ctx context.Context, address string, opts *rudp.Options, in io.Reader, out io.Writer) error {
	ln, err := rudp.Listen(address, opts)
	if err != nil {
		return err
	}
	defer ln.Close()

	w := &lockedWriter{w: out}
	var mu sync.Mutex
	conns := make(map[*rudp.Connection]struct{})

	ln.OnNewConnection(func(conn *rudp.Connection, helloPayload []byte) {
		remote := conn.RemoteAddr().String()
		w.println("* "+remote+" connected", helloPayload)

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		conn.OnDataReceived(func(payload []byte, r rudp.Reliability) {
			w.println(remote, payload)
			if echo {
				_ = conn.Send(payload, r)
			}
		})
		conn.OnDisconnected(func(reason error) {
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
			w.println("* "+remote+" disconnected", []byte(reason.Error()))
		})
	})

	fmt.Fprintf(os.Stderr, "listening on %s\n", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Broadcast stdin to every connection.
		return readLines(ctx, in, func(line []byte) {
			mu.Lock()
			targets := make([]*rudp.Connection, 0, len(conns))
			for c := range conns {
				targets = append(targets, c)
			}
			mu.Unlock()
			for _, c := range targets {
				if err := c.Send(line, reliability()); err != nil {
					logrus.WithField("error", err.Error()).Warn("Send failed")
				}
			}
		})
	})
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runDial(ctx context.Context, address string, opts *rudp.Options, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := rudp.Dial(dialCtx, address, opts, []byte(hello))
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	w := &lockedWriter{w: out}
	conn.OnDataReceived(func(payload []byte, _ rudp.Reliability) {
		w.println("", payload)
	})
	fmt.Fprintf(os.Stderr, "connected to %s\n", conn.RemoteAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := readLines(ctx, in, func(line []byte) {
			if err := conn.Send(line, reliability()); err != nil {
				logrus.WithField("error", err.Error()).Warn("Send failed")
			}
		})
		if err != nil {
			return err
		}
		// Give in-flight reliable messages a moment before hanging up.
		for i := 0; i < 50 && conn.Stats().InFlight > 0; i++ {
			time.Sleep(20 * time.Millisecond)
		}
		return conn.Disconnect(nil)
	})
	g.Go(func() error {
		select {
		case <-conn.Done():
			if reason := conn.DisconnectReason(); !errors.Is(reason, rudp.ErrClosed) {
				return reason
			}
			return nil
		case <-ctx.Done():
			return conn.Disconnect(nil)
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLines calls fn for every line of in until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader, fn func(line []byte)) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case line := <-lines:
			fn(line)
		}
	}
}
