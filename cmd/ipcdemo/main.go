//go:build linux
// +build linux

// Command ipcdemo wires two Controllers together over a Unix-domain
// socket: a client sends a CodePing request to the server and waits
// for its reply.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	ipc "github.com/shimcore/ipc"
	"github.com/shimcore/ipc/pkg/ipc/definition"
	"github.com/shimcore/ipc/pkg/ipc/transport"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

const socketPath = "/tmp/ipcdemo.sock"

func main() {
	log := definition.NewDefaultLogger()

	serverTransport, err := transport.NewUnixTransport()
	if err != nil {
		log.Fatalf("server transport: %v", err)
	}
	serverListen, err := serverTransport.Listen(socketPath)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	server, err := ipc.NewController(ipc.Config{
		SelfID:       1,
		Transport:    serverTransport,
		Callbacks:    definition.BuiltinCallbacks(log),
		Log:          log,
		ServerHandle: serverListen,
	})
	if err != nil {
		log.Fatalf("server controller: %v", err)
	}
	if err := server.InitHelper(); err != nil {
		log.Fatalf("server init_helper: %v", err)
	}

	clientTransport, err := transport.NewUnixTransport()
	if err != nil {
		log.Fatalf("client transport: %v", err)
	}
	client, err := ipc.NewController(ipc.Config{
		SelfID:    2,
		Transport: clientTransport,
		Callbacks: definition.BuiltinCallbacks(log),
		Log:       log,
	})
	if err != nil {
		log.Fatalf("client controller: %v", err)
	}
	if err := client.InitHelper(); err != nil {
		log.Fatalf("client init_helper: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	port, err := client.AddPortByID(ctx, 1, "unix://"+socketPath, types.Listen|types.Pollable, nil)
	if err != nil {
		log.Fatalf("dial server: %v", err)
	}
	defer client.Release(port)

	reply, err := client.SendRequest(ctx, port, definition.CodePing, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ping reply from %s, seq=%d\n", reply.Src, reply.Seq)

	_ = client.ExitWithHelper(false)
	_ = server.ExitWithHelper(false)
	_ = os.Remove(socketPath)
}
