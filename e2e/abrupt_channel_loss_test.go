package e2e

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/TheCommCraft/scratchcommunication/channel"
	"github.com/TheCommCraft/scratchcommunication/client"
	"github.com/TheCommCraft/scratchcommunication/config"
	"github.com/TheCommCraft/scratchcommunication/request"
	"github.com/TheCommCraft/scratchcommunication/security"
	"github.com/TheCommCraft/scratchcommunication/socket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestAbruptChannelLoss runs the full stack (secure socket, request handler,
// dialed client) and then yanks the cloud channel away mid-session, the way a
// dropped websocket would. Everything must fail cleanly and tear down without
// hanging; nothing may keep retrying the dead transport.
func TestAbruptChannelLoss(t *testing.T) {
	keys, err := security.Generate(security.Policy{})
	if err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}

	conf := &config.Socket{
		PacketSize:   220,
		PaceInterval: time.Millisecond,
	}
	ch := channel.NewMemory(conf.PacketSize, "amy")
	defer ch.Close()

	sock := socket.New(ch, conf, keys, zerolog.Nop()).Listen()
	defer sock.Stop()

	h := request.New(sock, &config.Handler{
		RecvTimeout:   10 * time.Millisecond,
		AcceptTimeout: 10 * time.Millisecond,
	}, zerolog.Nop())
	if err := h.Add("echo", func(s string) string { return s }); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}
	h.Start()
	defer h.Stop()

	conn, err := client.DialSecure(ch, conf, "amy", keys.Public(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	// Prove the stack is healthy before the loss.
	if err := conn.Send(`echo("before the cut")`); err != nil {
		t.Fatalf("send before loss: %v", err)
	}
	resp, err := conn.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("recv before loss: %v", err)
	}
	if resp != "before the cut" {
		t.Fatalf("response %q, want %q", resp, "before the cut")
	}
	t.Log("stack healthy, cutting the channel")

	ch.Close()

	// The client's next write surfaces the channel failure, unretried.
	err = conn.Send(`echo("anyone there")`)
	if !errors.Is(err, channel.ErrUnavailable) {
		t.Errorf("send after loss: got %v, want ErrUnavailable", err)
	}

	// Stop must not hang on the dead transport: handler first, then socket.
	done := make(chan struct{})
	go func() {
		h.Stop()
		sock.Stop()
		close(done)
	}()
	select {
	case <-done:
		t.Log("teardown completed after channel loss")
	case <-time.After(5 * time.Second):
		t.Fatal("teardown hung on the dead channel")
	}
}
