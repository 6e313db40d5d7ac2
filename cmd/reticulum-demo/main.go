// Command reticulum-demo wires two Engines together over an in-memory
// Pipe and walks through an announce, a link handshake and a resource
// transfer, printing each stage as it completes.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/iface"
	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/resource"
	"github.com/hexlattice/reticulum/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Reticulum demo %s ===\n", Version)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, client := buildEngines(logger)

	serverID, err := identity.New()
	if err != nil {
		fail(logger, "create server identity", err)
	}
	serverDest, err := destination.New(destination.In, destination.Single, serverID, "reticulum-demo", "chat")
	if err != nil {
		fail(logger, "create server destination", err)
	}
	server.RegisterDestination(serverDest)

	go server.Run(ctx)
	go client.Run(ctx)

	announceReceived := make(chan struct{})
	client.RegisterAnnounceHandler(nil, func(destHash []byte, id *identity.Identity, appData []byte) {
		fmt.Printf("client: received announce for %x, app_data=%q\n", destHash, appData)
		close(announceReceived)
	})

	fmt.Println("server: announcing...")
	if err := server.Announce(serverDest, []byte("reticulum-demo chat service")); err != nil {
		fail(logger, "announce", err)
	}
	<-announceReceived

	clientView := buildRemoteView(serverID, serverDest.Hash, logger)
	fmt.Println("client: requesting link...")
	l, err := client.RequestLink(clientView)
	if err != nil {
		fail(logger, "request link", err)
	}
	waitForActive(l)
	fmt.Printf("client: link established, rtt=%s\n", l.RTT())

	transferDone := make(chan struct{})
	server.SetResourceStartedCallback(func(l *link.Link, res *resource.Resource) {
		fmt.Println("server: resource transfer started")
	})
	server.SetResourceConcludedCallback(func(l *link.Link, res *resource.Resource, data []byte, ok bool) {
		fmt.Printf("server: resource transfer concluded, ok=%v, %d bytes\n", ok, len(data))
		close(transferDone)
	})

	payload := make([]byte, 64*1024)
	if _, err := rand.Read(payload); err != nil {
		fail(logger, "generate demo payload", err)
	}
	fmt.Println("client: sending resource...")
	if _, err := client.SendResource(l, payload, []byte("demo.bin")); err != nil {
		fail(logger, "send resource", err)
	}
	<-transferDone

	fmt.Println("\ndone")
}

func buildEngines(logger *slog.Logger) (server, client *transport.Engine) {
	server = transport.New(packet.DefaultMTU, logger.With("role", "server"))
	client = transport.New(packet.DefaultMTU, logger.With("role", "client"))
	a, b := iface.NewPipePair(packet.DefaultMTU)
	server.AddInterface(a)
	client.AddInterface(b)
	return server, client
}

// buildRemoteView constructs the client's local handle for a remote SINGLE
// destination it knows only by public key and hash, e.g. learned from an
// announce.
func buildRemoteView(remoteID *identity.Identity, remoteHash []byte, logger *slog.Logger) *destination.Destination {
	pubOnly, err := identity.FromPublicBytes(remoteID.PublicBytes())
	if err != nil {
		fail(logger, "load remote public identity", err)
	}
	view, err := destination.New(destination.Out, destination.Single, pubOnly, "reticulum-demo", "chat")
	if err != nil {
		fail(logger, "build remote destination view", err)
	}
	view.Hash = remoteHash
	return view
}

func waitForActive(l *link.Link) {
	for l.CurrentState() != link.Active {
		time.Sleep(time.Millisecond)
	}
}

func fail(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("reticulum-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
