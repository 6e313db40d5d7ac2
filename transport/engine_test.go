package transport

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/iface"
	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/resource"
)

func newWiredEngines(t *testing.T) (server, client *Engine, pa, pb *iface.Pipe) {
	t.Helper()
	server = New(packet.DefaultMTU, nil)
	client = New(packet.DefaultMTU, nil)
	pa, pb = iface.NewPipePair(packet.DefaultMTU)
	server.AddInterface(pa)
	client.AddInterface(pb)
	return server, client, pa, pb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngineAnnounceIsRecalled(t *testing.T) {
	server, client, _, _ := newWiredEngines(t)

	serverID, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	serverDest, err := destination.New(destination.In, destination.Single, serverID, "reticulum-test", "announce")
	if err != nil {
		t.Fatal(err)
	}
	server.RegisterDestination(serverDest)

	received := make(chan []byte, 1)
	client.RegisterAnnounceHandler(nil, func(destHash []byte, id *identity.Identity, appData []byte) {
		received <- appData
	})

	if err := server.Announce(serverDest, []byte("hello mesh")); err != nil {
		t.Fatal(err)
	}

	select {
	case appData := <-received:
		if !bytes.Equal(appData, []byte("hello mesh")) {
			t.Fatalf("unexpected app data: %q", appData)
		}
	case <-time.After(time.Second):
		t.Fatal("announce was never delivered")
	}

	if _, _, ok := client.Known().Recall(serverDest.Hash); !ok {
		t.Fatal("expected client to remember the announcing destination")
	}
}

func TestEngineLinkAndResourceTransfer(t *testing.T) {
	server, client, _, _ := newWiredEngines(t)

	serverID, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	serverDest, err := destination.New(destination.In, destination.Single, serverID, "reticulum-test", "resource")
	if err != nil {
		t.Fatal(err)
	}
	server.RegisterDestination(serverDest)

	clientSideKnown, err := identity.FromPublicBytes(serverID.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	clientView, err := destination.New(destination.Out, destination.Single, clientSideKnown, "reticulum-test", "resource")
	if err != nil {
		t.Fatal(err)
	}
	clientView.Hash = serverDest.Hash

	clientLink, err := client.RequestLink(clientView)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		return clientLink.CurrentState() == link.Active
	})

	payload := bytes.Repeat([]byte("mesh transfer payload "), 50)
	var completed []byte
	var ok bool
	done := make(chan struct{}, 1)
	server.SetResourceConcludedCallback(func(l *link.Link, res *resource.Resource, data []byte, success bool) {
		completed, ok = data, success
		done <- struct{}{}
	})

	if _, err := client.SendResource(clientLink, payload, []byte("payload.bin")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resource transfer did not conclude")
	}

	if !ok {
		t.Fatal("expected resource transfer to succeed")
	}
	if !bytes.Equal(completed, payload) {
		t.Fatal("assembled resource payload mismatch")
	}
}

func TestEngineSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	engine := New(packet.DefaultMTU, nil)
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	var packetHash [32]byte
	packetHash[0] = 0x11
	destHash := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	engine.Known().Remember(packetHash, destHash, id.PublicBytes(), []byte("saved"))

	if err := engine.Save(dir); err != nil {
		t.Fatal(err)
	}

	restored := New(packet.DefaultMTU, nil)
	if err := restored.Load(dir); err != nil {
		t.Fatal(err)
	}

	got, rec, ok := restored.Known().Recall(destHash)
	if !ok {
		t.Fatal("expected restored engine to recall the destination")
	}
	if !bytes.Equal(got.Hash(), id.Hash()) {
		t.Fatal("restored identity hash mismatch")
	}
	if !bytes.Equal(rec.AppData, []byte("saved")) {
		t.Fatal("restored app data mismatch")
	}

	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}
