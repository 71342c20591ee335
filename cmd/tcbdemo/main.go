package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soypat/tcbstack/ipstack"
	"github.com/soypat/tcbstack/tcb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		iface   string
		port    uint16
		verbose bool
	)
	c := &cobra.Command{
		Use:   "tcbdemo",
		Short: "Drive a tcb.Table through a handshake/echo/close cycle",
		Long: `tcbdemo exercises the tcb connection engine end to end.

With no flags it runs a self-contained client/server exchange over an
in-memory loopback, with no network access or privilege required. Pass -i
to instead bind a raw socket to a real interface and run a single
accept/echo/close cycle against a real peer (requires CAP_NET_RAW).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl := slog.LevelInfo
			if verbose {
				lvl = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
			if iface == "" {
				return runLoopbackEcho(log, port)
			}
			return runRawEcho(log, iface, port)
		},
	}
	flags := c.Flags()
	flags.StringVarP(&iface, "iface", "i", "", "network interface to bind the raw socket to; if empty, runs a self-contained loopback demo instead")
	flags.Uint16VarP(&port, "port", "p", 7, "local TCP port to listen on")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return c
}

// runLoopbackEcho drives a client and a server tcb.Table against each other
// over an in-memory ipstack.Loopback, proving the full handshake/echo/close
// lifecycle without any network access or root privilege.
func runLoopbackEcho(log *slog.Logger, port uint16) error {
	serverAddr := ipstack.ParseIPv4("10.0.0.1")
	clientAddr := ipstack.ParseIPv4("10.0.0.2")

	serverTable := tcb.NewTable(nil, tcb.WallClock{}, log.With(slog.String("side", "server")))
	clientTable := tcb.NewTable(nil, tcb.WallClock{}, log.With(slog.String("side", "client")))

	serverEP := &ipstack.Loopback{LocalAddr: serverAddr, PeerAddr: clientAddr, Peer: clientTable}
	clientEP := &ipstack.Loopback{LocalAddr: clientAddr, PeerAddr: serverAddr, Peer: serverTable}
	serverTable.SetEndpoint(serverEP)
	clientTable.SetEndpoint(clientEP)

	stop := make(chan struct{})
	defer close(stop)
	go serverTable.RunTimer(stop)
	go clientTable.RunTimer(stop)

	listener, err := serverTable.Open()
	if err != nil {
		return err
	}
	if err := serverTable.Bind(listener, port); err != nil {
		return err
	}
	if err := serverTable.Listen(listener); err != nil {
		return err
	}

	accepted := make(chan int, 1)
	acceptErr := make(chan error, 1)
	go func() {
		h, err := serverTable.Accept(listener)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- h
	}()

	client, err := clientTable.Open()
	if err != nil {
		return err
	}
	if err := clientTable.Connect(client, serverAddr, port); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var server int
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		return fmt.Errorf("accept: %w", err)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("accept timed out")
	}

	const msg = "hello from tcbdemo"
	if _, err := clientTable.Send(client, []byte(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	buf := make([]byte, len(msg))
	n, err := serverTable.Recv(server, buf)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	fmt.Printf("server received: %q\n", buf[:n])

	if err := clientTable.Close(client); err != nil {
		return fmt.Errorf("client close: %w", err)
	}
	if err := serverTable.Close(server); err != nil {
		return fmt.Errorf("server close: %w", err)
	}
	if err := serverTable.Close(listener); err != nil {
		return fmt.Errorf("listener close: %w", err)
	}
	return nil
}

// runRawEcho binds a raw socket to iface and runs a single accept/echo/close
// cycle against a real peer. Requires CAP_NET_RAW.
func runRawEcho(log *slog.Logger, iface string, port uint16) error {
	addr, err := ipstack.LookupInterfaceAddr(iface)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", iface, err)
	}
	sock, err := ipstack.NewRawSocket(addr)
	if err != nil {
		return fmt.Errorf("raw socket: %w", err)
	}
	defer sock.Close()

	table := tcb.NewTable(sock, tcb.WallClock{}, log)

	stop := make(chan struct{})
	defer close(stop)
	go table.RunTimer(stop)
	go func() {
		_ = sock.ReadLoop(stop, table.Deliver)
	}()

	listener, err := table.Open()
	if err != nil {
		return err
	}
	if err := table.Bind(listener, port); err != nil {
		return err
	}
	if err := table.Listen(listener); err != nil {
		return err
	}
	log.Info("listening", slog.String("addr", addr2string(addr)), slog.Uint64("port", uint64(port)))

	conn, err := table.Accept(listener)
	if err != nil {
		return err
	}
	buf := make([]byte, 4096)
	n, err := table.Recv(conn, buf)
	if err != nil {
		return err
	}
	if _, err := table.Send(conn, buf[:n]); err != nil {
		return err
	}
	return table.Close(conn)
}

func addr2string(a [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}
