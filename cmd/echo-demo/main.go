// Package main is a master-side demo: it spawns an execnet-slave child
// process, opens a channel against its "echo" handler, and round-trips a
// few values to show the wire protocol working end to end.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/execnetgo/execnet/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "echo-demo: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cmd := exec.Command("execnet-slave", "-id=slave", "-startcount=2")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	transport := gateway.NewStreamTransport(stdout, stdin)
	master := gateway.NewBaseGateway("master", transport, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)

	ch, err := master.RemoteExec("echo", nil)
	if err != nil {
		return err
	}

	for _, item := range []gateway.Value{"hello", 42, 3.5, []byte("bytes")} {
		if err := ch.Send(item); err != nil {
			return err
		}
		got, err := ch.Receive(ctx, -1)
		if err != nil {
			return err
		}
		fmt.Printf("sent %#v, got back %#v\n", item, got)
	}

	if err := ch.Close(); err != nil {
		return err
	}
	if err := master.Terminate(); err != nil {
		return err
	}
	_ = cmd.Wait()
	return master.Wait()
}
