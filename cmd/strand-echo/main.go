// Command strand-echo is a demonstration echo server built on the strand
// runtime: hooked accept/read/write over raw sockets, one fiber per
// connection, cooperative suspension instead of thread blocking.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	strand "github.com/behrlich/go-strand"
	"github.com/behrlich/go-strand/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "strand-echo",
		Short: "Echo server demonstrating the strand fiber runtime",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}

	root.PersistentFlags().Int("port", 9910, "TCP port to listen on")
	root.PersistentFlags().Int("threads", 2, "Worker threads for the reactor")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Int("selfcheck", 0, "Run N loopback clients against the server, then exit")
	root.PersistentFlags().Uint32("stack-size", 0, "Override fiber.stack_size (bytes)")
	root.PersistentFlags().Int("connect-timeout", 0, "Override tcp.connect.timeout (ms)")

	for flag, key := range map[string]string{
		"port":            "echo.port",
		"threads":         "echo.threads",
		"log-level":       "echo.log_level",
		"selfcheck":       "echo.selfcheck",
		"stack-size":      strand.ConfigKeyStackSize,
		"connect-timeout": strand.ConfigKeyConnectTimeout,
	} {
		if err := viper.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("strand")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(viper.GetString("echo.log_level"))
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Named("echo")

	port := viper.GetInt("echo.port")
	threads := viper.GetInt("echo.threads")

	iom, err := strand.NewIOManager(threads, false, "echo")
	if err != nil {
		return err
	}

	listenFd, err := listen(port)
	if err != nil {
		iom.Stop()
		return err
	}
	logger.Info("listening", "port", port, "threads", threads)

	if err := iom.Schedule(func() { acceptLoop(iom, listenFd, logger) }); err != nil {
		return err
	}

	if n := viper.GetInt("echo.selfcheck"); n > 0 {
		err := selfcheck(port, n, logger)
		shutdownListener(iom, listenFd)
		iom.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	shutdownListener(iom, listenFd)
	return iom.Stop()
}

// shutdownListener wakes the parked accept fiber with cancellation semantics
// before closing the fd, so the reactor can drain to quiescence.
func shutdownListener(iom *strand.IOManager, fd int) {
	iom.CancelAll(fd)
	unix.Close(fd)
}

func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptLoop runs as a fiber: hooked Accept suspends it until a connection
// arrives, then each connection gets its own echo fiber.
func acceptLoop(iom *strand.IOManager, listenFd int, logger *logging.Logger) {
	// Track the listener so hooked Accept parks instead of spinning.
	strand.FdMgr().Get(listenFd, true)
	for {
		connFd, _, err := strand.Accept(listenFd)
		if err != nil {
			logger.Debug("accept loop exiting", "error", err)
			return
		}
		logger.Debug("accepted connection", "fd", connFd)
		if _, err := strand.Spawn(func() { echo(connFd, logger) }, nil); err != nil {
			logger.Error("spawn failed", "error", err)
			strand.Close(connFd)
			return
		}
	}
}

func echo(fd int, logger *logging.Logger) {
	defer strand.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := strand.Read(fd, buf)
		if err != nil || n == 0 {
			return
		}
		off := 0
		for off < n {
			w, err := strand.Write(fd, buf[off:n])
			if err != nil {
				logger.Debug("write failed", "fd", fd, "error", err)
				return
			}
			off += w
		}
	}
}

// selfcheck dials the server n times concurrently from plain goroutines and
// verifies the echo round-trip.
func selfcheck(port, n int, logger *logging.Logger) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
			if err != nil {
				return err
			}
			defer unix.Close(fd)

			sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
			if err := unix.Connect(fd, sa); err != nil {
				return err
			}
			msg := []byte(fmt.Sprintf("ping %d", i))
			if _, err := unix.Write(fd, msg); err != nil {
				return err
			}
			buf := make([]byte, len(msg))
			got := 0
			for got < len(msg) {
				r, err := unix.Read(fd, buf[got:])
				if err != nil {
					return err
				}
				if r == 0 {
					return fmt.Errorf("connection closed early")
				}
				got += r
			}
			if string(buf) != string(msg) {
				return fmt.Errorf("echo mismatch: %q != %q", buf, msg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("selfcheck passed", "clients", n)
	return nil
}
