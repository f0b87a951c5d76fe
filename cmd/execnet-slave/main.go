// Package main runs a slave gateway over stdin/stdout, the process a master
// spawns to get the other end of a channel-multiplexed connection.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/execnetgo/execnet/gateway"
	"github.com/execnetgo/execnet/gwlog"
)

var (
	id         string
	startcount uint
)

func init() {
	flag.StringVar(&id, "id", "slave", "gateway id used in trace/metrics labels")
	flag.UintVar(&startcount, "startcount", 2, "first local channel id; steps by two from here")
}

func main() {
	flag.Parse()

	transport := gateway.NewStreamTransport(os.Stdin, os.Stdout)
	sg := gateway.NewSlaveGateway(id, transport, uint32(startcount))
	registerHandlers(sg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		gwlog.Trace(id, "signal received, terminating execution")
		sg.TerminateExecution(gateway.DefaultTerminationGrace)
		cancel()
	}()

	if err := sg.Serve(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "execnet-slave: "+err.Error())
		os.Exit(1)
	}
}

// registerHandlers binds the closed set of remote-callable entry points this
// slave accepts. A production slave would register one per task family it
// knows how to run; echo is kept here as a smoke-test handler exercised by
// cmd/echo-demo.
func registerHandlers(sg *gateway.SlaveGateway) {
	sg.Register("echo", func(ch *gateway.Channel, args gateway.Value) {
		for {
			item, err := ch.Receive(nil, -1)
			if err != nil {
				return
			}
			if err := ch.Send(item); err != nil {
				return
			}
		}
	})
	sg.Register("sleep", func(ch *gateway.Channel, args gateway.Value) {
		secs, _ := args.(int)
		time.Sleep(time.Duration(secs) * time.Second)
		_ = ch.Send("done")
	})
}
