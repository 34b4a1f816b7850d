// Command torforward is a transparent SOCKS5-to-SOCKS5 forwarder: it sits
// between a local client and an upstream SOCKS5 proxy (typically a Tor
// daemon), performing the inner handshake with synthetic, circuit-isolating
// credentials and optionally rewriting the client's requested host through a
// static translation table before relaying bytes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"torforward/internal/circuit"
	"torforward/internal/handshake"
	"torforward/internal/loop"
	"torforward/internal/translate"
)

// defaultHost/defaultPort are the compiled-in destination for raw-TCP
// sessions (a client whose first byte is not a SOCKS5 version byte).
// TODO: set the default address and port to connect on raw TCP connections.
const (
	defaultHost = "5gdvpfoh6kb2iqbizb37lzk2ddzrwa47m6rpdueg2m656fovmbhoptqd.onion"
	defaultPort = 465
)

// maxSessions is N, the fixed slot-table size.
const maxSessions = 9

func main() {
	log.SetFlags(0)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s local-port upstream-port\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	localPort, err := parsePort("local", flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	upstreamPort, err := parsePort("upstream", flag.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l, err := loop.New(loop.Config{
		ListenHost: "127.0.0.1",
		ListenPort: localPort,
		Sessions:   maxSessions,
		Handshake: handshake.Config{
			UpstreamHost: "127.0.0.1",
			UpstreamPort: upstreamPort,
			DefaultHost:  defaultHost,
			DefaultPort:  defaultPort,
			Translate:    translate.Default(),
			Circuit:      circuit.New(circuit.DefaultRotateInterval),
		},
	})
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer l.Close()

	log.Printf("[main] listening on 127.0.0.1:%d, forwarding via 127.0.0.1:%d", localPort, upstreamPort)
	if err := l.Run(); err != nil {
		log.Fatalf("[loop] %v", err)
	}
}

func parsePort(name, arg string) (uint16, error) {
	v, err := strconv.Atoi(arg)
	if err != nil || v < 1 || v > 65535 {
		return 0, fmt.Errorf("%s port is invalid: %q", name, arg)
	}
	return uint16(v), nil
}
